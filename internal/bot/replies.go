package bot

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/samber/lo"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	"github.com/allaunyc/college-selection-bot/internal/lineutil"
	"github.com/allaunyc/college-selection-bot/internal/scorecard"
)

// RestartKeyword restarts the conversation from the first question.
const RestartKeyword = "Restart"

const (
	followText        = "Hi welcome to Strive! Tap Get started whenever you are ready to find your college."
	welcomeText       = "Hi welcome to Strive! I am here to guide you with your search for the perfect college. Let's begin!"
	attachmentText    = "Message with attachment received"
	completedHintText = "You are done. Send Restart to start a new search."
	noResultsText     = "Sorry, no schools matched your criteria. Send Restart to try different answers."

	closingWithColleges = "Awesome! In addition to the schools you mentioned earlier, let me pull up a list that matches your criteria!"
	closingText         = "Awesome! Let me pull up a list that matches your criteria!"
	closingNoteText     = "Keep in mind that the results may vary depending on your specifications."

	collegesAltText = "The schools you mentioned"
	resultsAltText  = "Schools that match your criteria"

	websiteLabel    = "School website"
	calculatorLabel = "Price calculator"

	// Carousel column text may not be empty.
	unknownLocation = "United States"
)

func promptQuickReply() []lineutil.QuickReplyItem {
	return []lineutil.QuickReplyItem{
		{Action: lineutil.NewMessageAction(dialogue.SkipKeyword, dialogue.SkipKeyword)},
		{Action: lineutil.NewMessageAction(RestartKeyword, RestartKeyword)},
	}
}

// promptMessage asks for slot, or for the next answer when text overrides
// the default question.
func promptMessage(slot dialogue.Slot, text string) messaging_api.MessageInterface {
	if text == "" {
		text = dialogue.PromptFor(slot)
	}
	return lineutil.NewTextMessageWithQuickReply(text, promptQuickReply()...)
}

func getStartedMessage(text string) messaging_api.MessageInterface {
	return lineutil.NewTextMessageWithQuickReply(text, lineutil.QuickReplyItem{
		Action: lineutil.NewPostbackAction("Get started", "Get started", EncodePostback(ActionStart)),
	})
}

func restartMessage(text string) messaging_api.MessageInterface {
	return lineutil.NewTextMessageWithQuickReply(text, lineutil.QuickReplyItem{
		Action: lineutil.NewMessageAction(RestartKeyword, RestartKeyword),
	})
}

func textMessages(texts ...string) []messaging_api.MessageInterface {
	return lo.Map(texts, func(t string, _ int) messaging_api.MessageInterface {
		return lineutil.NewTextMessage(t)
	})
}

// cardCarousel renders result cards as a carousel with one column per card.
func cardCarousel(altText string, cards []scorecard.Card) *messaging_api.TemplateMessage {
	columns := lo.Map(cards, func(c scorecard.Card, _ int) lineutil.CarouselColumn {
		text := c.Subtitle
		if text == "" {
			text = unknownLocation
		}
		actions := []lineutil.Action{lineutil.NewURIAction(websiteLabel, c.PrimaryLink)}
		if c.SecondaryLink != "" {
			actions = append(actions, lineutil.NewURIAction(calculatorLabel, c.SecondaryLink))
		}
		return lineutil.CarouselColumn{Title: c.Title, Text: text, Actions: actions}
	})
	return lineutil.NewCarouselTemplate(altText, columns)
}
