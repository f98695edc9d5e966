package serial

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// Simulator is an in-memory EBB stand-in used by tests: a tiny state
// machine that consumes written commands and produces the responses a
// real board would.
type Simulator struct {
	mu sync.Mutex

	version  string
	nickname string
	status   int
	stepX    int32
	stepY    int32
	penUp    bool

	inbuf  bytes.Buffer
	outbuf bytes.Buffer
	closed bool
}

// NewSimulator returns a Simulator that will answer the version banner with
// version, defaulting to "3.0.1" if empty.
func NewSimulator(version string) *Simulator {
	if version == "" {
		version = "3.0.1"
	}
	return &Simulator{version: version, penUp: true}
}

func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("simulator: closed")
	}
	s.inbuf.Write(p)
	for {
		line, err := s.inbuf.ReadString('\r')
		if err != nil {
			// Put back the partial line.
			s.inbuf.Reset()
			s.inbuf.WriteString(line)
			break
		}
		s.handle(strings.TrimRight(line, "\r"))
	}
	return len(p), nil
}

func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbuf.Len() == 0 {
		return 0, nil
	}
	return s.outbuf.Read(p)
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) reply(lines ...string) {
	for _, l := range lines {
		s.outbuf.WriteString(l)
		s.outbuf.WriteString("\r\n")
	}
}

func (s *Simulator) handle(cmd string) {
	parts := strings.Split(cmd, ",")
	switch strings.ToUpper(parts[0]) {
	case "V":
		s.reply(fmt.Sprintf("%s EB Firmware Version %s", ProductBanner, s.version))
	case "QT":
		s.reply(s.nickname)
	case "ST":
		if len(parts) > 1 {
			s.nickname = parts[1]
		}
		s.reply("OK")
	case "QG":
		s.reply(fmt.Sprintf("%02X", s.status))
	case "QS":
		s.reply(fmt.Sprintf("%d,%d", s.stepX, s.stepY))
	case "CS":
		s.stepX, s.stepY = 0, 0
		s.reply("OK")
	case "QP":
		b := "1"
		if !s.penUp {
			b = "0"
		}
		s.reply(b)
	case "SP":
		if len(parts) > 1 && parts[1] == "0" {
			s.penUp = false
		} else {
			s.penUp = true
		}
		s.reply("OK")
	case "XM", "SM", "HM", "EM", "SC", "SR", "SL", "CU", "ES":
		s.reply("OK")
	default:
		s.reply("!" + cmd + " Err: unknown command")
	}
}
