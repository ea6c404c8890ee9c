package at

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warthog618/sms/encoding/ucs2"
)

// SMSEntry is one record of an AT+CMGL list response.
type SMSEntry struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string
	Time   time.Time
	Body   string
}

// ParseCSQ extracts the RSSI value from a "+CSQ: <rssi>,<ber>" line.
// The sentinel value 99 (not known or not detectable) maps to SignalUnknown.
func ParseCSQ(line string) (int, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "+CSQ:")
	if !ok {
		return SignalUnknown, fmt.Errorf("not a +CSQ response: %q", line)
	}
	fields := strings.Split(rest, ",")
	rssi, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return SignalUnknown, fmt.Errorf("parse +CSQ rssi: %w", err)
	}
	if rssi == 99 {
		return SignalUnknown, nil
	}
	return rssi, nil
}

// ParseCREG reports whether a +CREG line indicates network registration.
// It accepts both the query response form "+CREG: <mode>,<stat>" and the
// unsolicited form "+CREG: <stat>". Registered home (1) and roaming (5)
// both count as registered.
func ParseCREG(line string) (bool, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "+CREG:")
	if !ok {
		return false, fmt.Errorf("not a +CREG response: %q", line)
	}
	fields := strings.Split(rest, ",")
	statField := fields[0]
	if len(fields) > 1 {
		statField = fields[1]
	}
	stat, err := strconv.Atoi(strings.TrimSpace(statField))
	if err != nil {
		return false, fmt.Errorf("parse +CREG stat: %w", err)
	}
	return stat == 1 || stat == 5, nil
}

// ParseCNUM extracts the subscriber number from a "+CNUM:" line, e.g.
// `+CNUM: "Line 1","+998901234567",145`. Returns an empty string if the
// modem reported no number.
func ParseCNUM(line string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "+CNUM:")
	if !ok {
		return "", fmt.Errorf("not a +CNUM response: %q", line)
	}
	fields := splitQuoted(rest)
	if len(fields) < 2 {
		return "", fmt.Errorf("short +CNUM response: %q", line)
	}
	return fields[1], nil
}

// ParseCLIP extracts the caller number from a '+CLIP: "<number>",<type>' URC.
func ParseCLIP(line string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), UrcCallerID)
	if !ok {
		return "", fmt.Errorf("not a +CLIP notification: %q", line)
	}
	fields := splitQuoted(rest)
	if len(fields) == 0 || fields[0] == "" {
		return "", fmt.Errorf("no number in +CLIP: %q", line)
	}
	return fields[0], nil
}

// ParseCMTI extracts the storage index from a '+CMTI: "<mem>",<index>' URC.
func ParseCMTI(line string) (int, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), UrcNewMsg)
	if !ok {
		return 0, fmt.Errorf("not a +CMTI notification: %q", line)
	}
	fields := strings.Split(rest, ",")
	if len(fields) < 2 {
		return 0, fmt.Errorf("short +CMTI notification: %q", line)
	}
	index, err := strconv.Atoi(strings.TrimSpace(fields[len(fields)-1]))
	if err != nil {
		return 0, fmt.Errorf("parse +CMTI index: %w", err)
	}
	return index, nil
}

// ParseCMGL parses the multi-line response of AT+CMGL. The format is a
// header line per message followed by the content line:
//
//	+CMGL: <index>,"<status>","<sender>","","<timestamp>"
//	<content>
//
// Content encoded as UCS-2 hex (the usual case for Cyrillic bank
// notifications) is transparently decoded. Malformed header lines are
// skipped rather than failing the whole list.
func ParseCMGL(response string) []SMSEntry {
	var entries []SMSEntry
	lines := strings.Split(response, "\n")
	for i := 0; i < len(lines); i++ {
		rest, ok := strings.CutPrefix(strings.TrimSpace(lines[i]), "+CMGL:")
		if !ok {
			continue
		}
		header := splitQuoted(rest)
		if len(header) < 3 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(header[0]))
		if err != nil {
			continue
		}
		entry := SMSEntry{
			Index:  index,
			Status: header[1],
			Sender: header[2],
		}
		if len(header) >= 5 {
			entry.Time = parseSCTS(header[4])
		}
		if i+1 < len(lines) {
			body := strings.TrimSpace(lines[i+1])
			if Classify(body) == TypeData && !strings.HasPrefix(body, "+CMGL:") {
				entry.Body = decodeBody(body)
				i++
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// decodeBody returns the message text, decoding UCS-2 hex payloads when the
// line looks like one. Anything that fails to decode is returned as-is.
//
// Digit-only bodies (OTP codes, card numbers) are themselves valid hex, so
// a decode is only accepted when every resulting rune lands in the printable
// Latin and Cyrillic ranges. Digit pairs decode to CJK-area runes and are
// rejected, keeping the original text.
func decodeBody(body string) string {
	if len(body) < 8 || len(body)%4 != 0 {
		return body
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return body
	}
	runes, err := ucs2.Decode(raw)
	if err != nil {
		return body
	}
	for _, r := range runes {
		if r < 0x20 || r >= 0x2600 {
			return body
		}
	}
	return string(runes)
}

// parseSCTS parses a service center timestamp ("yy/MM/dd,hh:mm:ss±zz" with
// the zone in quarter hours). A zero time is returned when parsing fails.
func parseSCTS(s string) time.Time {
	if len(s) < 17 {
		return time.Time{}
	}
	base, err := time.Parse("06/01/02,15:04:05", s[:17])
	if err != nil {
		return time.Time{}
	}
	if len(s) >= 20 {
		if quarters, err := strconv.Atoi(s[18:20]); err == nil {
			offset := quarters * 15 * 60
			if s[17] == '-' {
				offset = -offset
			}
			return base.Add(-time.Duration(offset) * time.Second).UTC()
		}
	}
	return base
}

// splitQuoted splits a comma separated AT parameter list, trimming
// whitespace and surrounding double quotes from each field.
func splitQuoted(s string) []string {
	var fields []string
	inQuote := false
	start := 0
	s = strings.TrimSpace(s)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				fields = append(fields, unquote(s[start:i]))
				start = i + 1
			}
		}
	}
	fields = append(fields, unquote(s[start:]))
	return fields
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}
