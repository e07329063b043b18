// Package lineutil provides utility functions for building LINE messages and actions.
package lineutil

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// CarouselColumn represents a column in a carousel template.
type CarouselColumn struct {
	ThumbnailImageURL string
	Title             string
	Text              string
	Actions           []messaging_api.ActionInterface
}

// QuickReplyItem represents an item in a quick reply.
type QuickReplyItem struct {
	Action messaging_api.ActionInterface
}

// Action is an alias for the LINE SDK action interface for convenience.
type Action = messaging_api.ActionInterface

// NewTextMessage creates a simple text message.
// LINE API limits: max 5000 characters per text message
func NewTextMessage(text string) *messaging_api.TextMessage {
	return &messaging_api.TextMessage{
		Text: TruncateRunes(text, MaxTextMessageLength),
	}
}

// NewTextMessageWithQuickReply creates a text message with quick reply items.
func NewTextMessageWithQuickReply(text string, items ...QuickReplyItem) *messaging_api.TextMessage {
	msg := NewTextMessage(text)
	if len(items) > 0 {
		msg.QuickReply = NewQuickReply(items)
	}
	return msg
}

// NewCarouselTemplate creates a carousel template message with multiple columns.
// The altText is displayed in push notifications and chat lists.
// LINE API limits: max 10 columns, each with max 3 actions, title 40 and
// text 60 characters.
func NewCarouselTemplate(altText string, columns []CarouselColumn) *messaging_api.TemplateMessage {
	if len(columns) > MaxCarouselColumnCount {
		columns = columns[:MaxCarouselColumnCount]
	}

	templateColumns := make([]messaging_api.CarouselColumn, len(columns))
	for i, col := range columns {
		actions := col.Actions
		if len(actions) > MaxCarouselActionCount {
			actions = actions[:MaxCarouselActionCount]
		}
		column := messaging_api.CarouselColumn{
			Text:    TruncateRunes(col.Text, MaxCarouselTemplateText),
			Actions: actions,
		}
		if col.ThumbnailImageURL != "" {
			column.ThumbnailImageUrl = col.ThumbnailImageURL
		}
		if col.Title != "" {
			column.Title = TruncateRunes(col.Title, MaxTemplateTitleLength)
		}
		templateColumns[i] = column
	}

	return &messaging_api.TemplateMessage{
		AltText: TruncateRunes(altText, MaxAltTextLength),
		Template: &messaging_api.CarouselTemplate{
			Columns: templateColumns,
		},
	}
}

// NewQuickReply creates a quick reply message component.
// LINE API limits: max 13 items
func NewQuickReply(items []QuickReplyItem) *messaging_api.QuickReply {
	if len(items) > MaxQuickReplyItemCount {
		items = items[:MaxQuickReplyItemCount]
	}

	quickReplyItems := make([]messaging_api.QuickReplyItem, len(items))
	for i, item := range items {
		quickReplyItems[i] = messaging_api.QuickReplyItem{Action: item.Action}
	}

	return &messaging_api.QuickReply{
		Items: quickReplyItems,
	}
}

// NewMessageAction creates a message action that sends text when tapped.
func NewMessageAction(label, text string) Action {
	return &messaging_api.MessageAction{
		Label: TruncateRunes(label, MaxActionLabel),
		Text:  text,
	}
}

// NewPostbackAction creates a postback action that sends data to the bot when
// tapped. displayText, when set, is echoed into the chat.
func NewPostbackAction(label, displayText, data string) Action {
	return &messaging_api.PostbackAction{
		Label:       TruncateRunes(label, MaxActionLabel),
		DisplayText: displayText,
		Data:        TruncateRunes(data, MaxPostbackData),
	}
}

// NewURIAction creates a URI action that opens a URL when tapped.
func NewURIAction(label, uri string) Action {
	return &messaging_api.UriAction{
		Label: TruncateRunes(label, MaxActionLabel),
		Uri:   uri,
	}
}

// AddQuickReplyToMessages attaches quick reply items to the last message in a slice.
// If the slice is empty or the last message doesn't support quick replies, it's a no-op.
func AddQuickReplyToMessages(messages []messaging_api.MessageInterface, items ...QuickReplyItem) {
	if len(messages) == 0 || len(items) == 0 {
		return
	}
	qr := NewQuickReply(items)
	switch m := messages[len(messages)-1].(type) {
	case *messaging_api.TextMessage:
		m.QuickReply = qr
	case *messaging_api.TemplateMessage:
		m.QuickReply = qr
	}
}

// TruncateRunes shortens text to at most maxRunes runes, ending with "..."
// when something was cut.
func TruncateRunes(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}
