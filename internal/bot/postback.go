package bot

import (
	"errors"
	"fmt"
	"net/url"
)

// Postback actions understood by the processor.
const (
	ActionStart   = "start"
	ActionRestart = "restart"
)

// PostbackData is a parsed postback payload of the form
// "action=start&key=value".
type PostbackData struct {
	Action string
	Params url.Values
}

// ParsePostback parses postback data into its action and parameters.
func ParsePostback(data string) (*PostbackData, error) {
	values, err := url.ParseQuery(data)
	if err != nil {
		return nil, fmt.Errorf("invalid postback format: %w", err)
	}
	action := values.Get("action")
	if action == "" {
		return nil, errors.New("invalid postback format: missing action")
	}
	values.Del("action")
	return &PostbackData{Action: action, Params: values}, nil
}

// EncodePostback builds the payload ParsePostback reads.
func EncodePostback(action string) string {
	return url.Values{"action": {action}}.Encode()
}
