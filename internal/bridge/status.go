package bridge

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

const (
	hostStatusCommand = "~HS"
	stx               = 0x02
	etx               = 0x03
	hostStatusStrings = 3
)

// PrinterStatus is the decoded answer to a ~HS host status query.
type PrinterStatus struct {
	Online          bool      `json:"online"`
	PaperOut        bool      `json:"paper_out"`
	Paused          bool      `json:"paused"`
	HeadOpen        bool      `json:"head_open"`
	RibbonOut       bool      `json:"ribbon_out"`
	BufferFull      bool      `json:"buffer_full"`
	UnderTemp       bool      `json:"under_temperature"`
	OverTemp        bool      `json:"over_temperature"`
	FormatsInBuffer int       `json:"formats_in_buffer"`
	LabelsRemaining int       `json:"labels_remaining"`
	Raw             string    `json:"raw,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// CanPrint is true when nothing would stop the printer accepting a job.
func (s *PrinterStatus) CanPrint() bool {
	return s.Err() == nil
}

// Err maps the status flags to the delivery error they cause.
func (s *PrinterStatus) Err() error {
	switch {
	case !s.Online:
		return ErrNotConnected
	case s.HeadOpen:
		return ErrHeadOpen
	case s.PaperOut, s.RibbonOut:
		return ErrOutOfMedia
	case s.Paused:
		return ErrPrinterPaused
	case s.BufferFull:
		return ErrPrinterBusy
	}
	return nil
}

// State is a one-word summary for listings.
func (s *PrinterStatus) State() string {
	switch {
	case !s.Online:
		return "offline"
	case s.HeadOpen, s.PaperOut, s.RibbonOut, s.OverTemp, s.UnderTemp:
		return "error"
	case s.Paused:
		return "paused"
	case s.BufferFull, s.FormatsInBuffer > 0:
		return "busy"
	}
	return "online"
}

// ParseHostStatus decodes the three STX/ETX framed strings a printer sends in
// reply to ~HS. The third string is optional.
//
//	string 1: aaa,b,c,dddd,eee,f,g,h,iii,j,k,l
//	string 2: mmm,n,o,p,q,r,s,t,uuuuuuuu,v,www
func ParseHostStatus(raw []byte) (*PrinterStatus, error) {
	frames := splitFrames(raw)
	if len(frames) < 2 {
		return nil, ErrInvalidStatus
	}
	first := strings.Split(frames[0], ",")
	second := strings.Split(frames[1], ",")
	if len(first) < 12 || len(second) < 9 {
		return nil, ErrInvalidStatus
	}

	s := &PrinterStatus{
		Online:          true,
		PaperOut:        flag(first[1]),
		Paused:          flag(first[2]),
		FormatsInBuffer: number(first[4]),
		BufferFull:      flag(first[5]),
		UnderTemp:       flag(first[10]),
		OverTemp:        flag(first[11]),
		HeadOpen:        flag(second[2]),
		RibbonOut:       flag(second[3]),
		LabelsRemaining: number(second[8]),
		Raw:             string(raw),
		CheckedAt:       time.Now(),
	}
	return s, nil
}

func splitFrames(raw []byte) []string {
	var frames []string
	for {
		start := bytes.IndexByte(raw, stx)
		if start < 0 {
			return frames
		}
		end := bytes.IndexByte(raw[start:], etx)
		if end < 0 {
			return frames
		}
		frames = append(frames, strings.TrimSpace(string(raw[start+1:start+end])))
		raw = raw[start+end+1:]
	}
}

func flag(field string) bool {
	return strings.TrimSpace(field) == "1"
}

func number(field string) int {
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0
	}
	return n
}

// completeStatus reports whether buf holds all host status strings.
func completeStatus(buf []byte) bool {
	return bytes.Count(buf, []byte{etx}) >= hostStatusStrings
}
