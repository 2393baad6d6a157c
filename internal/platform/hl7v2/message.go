package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment is a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field is one field of a segment. Repeats holds the ~-separated
// repetitions, each split into ^-separated components. Components is an
// alias for the first repetition.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// TypeName returns MSH-9 with the component separator replaced by an
// underscore ("ORU^R01" -> "ORU_R01"), the form used to key converters.
func (m *Message) TypeName() string {
	return strings.ReplaceAll(m.Type, "^", "_")
}

// TriggerEvent returns the second component of MSH-9 ("A01" in "ADT^A01").
func (m *Message) TriggerEvent() string {
	if parts := strings.SplitN(m.Type, "^", 3); len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// Parse parses raw HL7v2 bytes into a structured Message. Segment
// separators may be \r, \n, or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}
	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	msg := &Message{}
	for _, line := range segmentLines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}
	return msg, nil
}

// parseSegment parses one segment line. MSH is special: the field
// separator is MSH-1 itself, so Fields[0] is "|" and Fields[1] is the
// encoding characters.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}
		fieldSep := string(line[3])
		seg.Fields = append(seg.Fields, Field{
			Value:      fieldSep,
			Components: []string{fieldSep},
			Repeats:    [][]string{{fieldSep}},
		})
		for i, part := range strings.Split(line[4:], fieldSep) {
			if i == 0 {
				// MSH-2 (encoding characters): ~ and ^ are literal here.
				seg.Fields = append(seg.Fields, Field{
					Value:      part,
					Components: []string{part},
					Repeats:    [][]string{{part}},
				})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

// parseField splits a raw field into repetitions (~) and components (^).
func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractMSHFields copies the commonly used MSH fields onto the Message.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)

	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}
	return nil
}

// ParseTimestamp parses an HL7v2 DTM value (YYYYMMDD[HHmm[ss]]),
// ignoring any fractional seconds or timezone offset.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".+-"); i != -1 {
		s = s[:i]
	}
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name, in message order.
func (m *Message) GetSegments(name string) []*Segment {
	var result []*Segment
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			result = append(result, &m.Segments[i])
		}
	}
	return result
}

// field returns the Field at a 1-based index, or nil when absent.
// MSH counts from MSH-1 = Fields[0] (the separator itself); all other
// segments count from field 1 = Fields[0].
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	f := s.field(index)
	if f == nil {
		return ""
	}
	return f.Value
}

// GetComponent returns a component by 1-based field and component index,
// from the field's first repetition.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	return s.GetRepeatComponent(fieldIdx, 1, compIdx)
}

// GetRepeatComponent returns a component by 1-based field, repetition and
// component index.
func (s *Segment) GetRepeatComponent(fieldIdx, repIdx, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil {
		return ""
	}
	ri := repIdx - 1
	if ri < 0 || ri >= len(f.Repeats) {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Repeats[ri]) {
		return ""
	}
	return f.Repeats[ri][ci]
}

// RepeatCount returns the number of ~-repetitions of a field (0 when the
// field is absent or empty).
func (s *Segment) RepeatCount(fieldIdx int) int {
	f := s.field(fieldIdx)
	if f == nil || f.Value == "" {
		return 0
	}
	return len(f.Repeats)
}

// SetField replaces the value of a field by 1-based index, growing the
// field list with empty fields as needed. Used by message preprocessors.
func (s *Segment) SetField(index int, value string) {
	idx := index - 1
	if idx < 0 {
		return
	}
	for len(s.Fields) <= idx {
		s.Fields = append(s.Fields, parseField(""))
	}
	s.Fields[idx] = parseField(value)
}

// SetRepeatComponent replaces a single component of one repetition,
// growing components as needed, and recomputes the field's raw value.
func (s *Segment) SetRepeatComponent(fieldIdx, repIdx, compIdx int, value string) {
	s.SetField(fieldIdx, s.GetField(fieldIdx)) // ensure the field exists
	f := s.field(fieldIdx)
	ri, ci := repIdx-1, compIdx-1
	if ri < 0 || ci < 0 {
		return
	}
	for len(f.Repeats) <= ri {
		f.Repeats = append(f.Repeats, []string{""})
	}
	for len(f.Repeats[ri]) <= ci {
		f.Repeats[ri] = append(f.Repeats[ri], "")
	}
	f.Repeats[ri][ci] = value

	reps := make([]string, len(f.Repeats))
	for i, rep := range f.Repeats {
		reps[i] = strings.Join(rep, "^")
	}
	f.Value = strings.Join(reps, "~")
	f.Components = f.Repeats[0]
}

// Serialize converts a Message back into raw HL7v2 bytes with \r
// segment separators.
func Serialize(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself; rebuild as MSH|^~\&|...
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
