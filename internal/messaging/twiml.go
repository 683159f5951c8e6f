package messaging

import (
	"bytes"
	"encoding/xml"
)

const twimlHeader = "<?xml version='1.0' encoding='UTF-8'?>"

// EmptyTwiML is the acknowledgement body for webhooks that must not send a
// message back to the participant.
func EmptyTwiML() string {
	return twimlHeader + "<Response></Response>"
}

// MessageTwiML wraps a message in a TwiML <Message> verb so the provider
// delivers it to the participant in the webhook response itself.
func MessageTwiML(message string) string {
	var buf bytes.Buffer
	buf.WriteString(twimlHeader)
	buf.WriteString("<Response><Message>")
	_ = xml.EscapeText(&buf, []byte(message))
	buf.WriteString("</Message></Response>")
	return buf.String()
}
