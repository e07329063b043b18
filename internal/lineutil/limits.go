package lineutil

// LINE API Character Limits (Rune count)
// References: https://developers.line.biz/en/reference/messaging-api/
const (
	MaxTextMessageLength = 5000 // Text message max content length
	MaxAltTextLength     = 400  // Template message alt text length
	MaxPostbackData      = 300  // Postback action data length
	MaxActionLabel       = 20   // Action label length

	// Template Message Limits
	MaxTemplateTitleLength  = 40 // Carousel template title
	MaxCarouselTemplateText = 60 // Carousel template text
	MaxCarouselColumnCount  = 10 // Max columns in a carousel
	MaxCarouselActionCount  = 3  // Max actions per carousel column

	// Quick Reply Limits
	MaxQuickReplyItemCount = 13 // Max items in a quick reply

	// MaxReplyMessages is the number of messages one reply token accepts.
	MaxReplyMessages = 5
)
