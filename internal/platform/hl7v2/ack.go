package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// ACK codes per the HL7v2 MSA-1 table.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// AckFields holds the MSH fields echoed back into an ACK. When the
// inbound MSH cannot be parsed the listener fills these with synthetic
// placeholders so a framed ACK is still returned.
type AckFields struct {
	SendingApp   string // our MSH-3 = their MSH-5
	SendingFac   string
	ReceivingApp string // our MSH-5 = their MSH-3
	ReceivingFac string
	TriggerEvent string
	ControlID    string // their MSH-10, echoed in MSA-2
	Version      string
}

// AckFieldsFrom extracts the echo fields for an ACK from a parsed
// inbound message, swapping the sending and receiving parties.
func AckFieldsFrom(msg *Message) AckFields {
	return AckFields{
		SendingApp:   msg.ReceivingApp,
		SendingFac:   msg.ReceivingFac,
		ReceivingApp: msg.SendingApp,
		ReceivingFac: msg.SendingFac,
		TriggerEvent: msg.TriggerEvent(),
		ControlID:    msg.ControlID,
		Version:      msg.Version,
	}
}

// SyntheticAckFields returns placeholder echo fields for messages whose
// MSH could not be parsed at all.
func SyntheticAckFields() AckFields {
	return AckFields{
		SendingApp:   "UNKNOWN",
		SendingFac:   "UNKNOWN",
		ReceivingApp: "UNKNOWN",
		ReceivingFac: "UNKNOWN",
		ControlID:    "UNKNOWN",
		Version:      "2.5.1",
	}
}

// BuildAck constructs a serialized MSH+MSA acknowledgment. ackCode is
// AckAccept, AckError or AckReject; errText, when non-empty, is placed
// in MSA-3.
func BuildAck(fields AckFields, ackCode, errText string) []byte {
	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")

	version := fields.Version
	if version == "" {
		version = "2.5.1"
	}

	msh := strings.Join([]string{
		"MSH", "^~\\&",
		fields.SendingApp, fields.SendingFac,
		fields.ReceivingApp, fields.ReceivingFac,
		timestamp, "",
		"ACK^" + fields.TriggerEvent,
		controlID, "P", version,
	}, "|")

	msa := fmt.Sprintf("MSA|%s|%s", ackCode, fields.ControlID)
	if errText != "" {
		msa += "|" + escapeText(errText)
	}

	return []byte(msh + "\r" + msa)
}

// escapeText replaces HL7v2 delimiter characters in free text with their
// escape sequences.
func escapeText(s string) string {
	r := strings.NewReplacer(
		"\\", "\\E\\",
		"|", "\\F\\",
		"^", "\\S\\",
		"~", "\\R\\",
		"&", "\\T\\",
	)
	return r.Replace(s)
}
