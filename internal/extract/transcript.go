package extract

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/iammorganparry/recall/internal/models"
)

const maxLineBytes = 16 * 1024 * 1024

// ParseError describes a transcript line that could not be decoded.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result is the outcome of parsing one transcript line. Exactly one of
// Turn and Err is set for conversational lines; both are nil for lines that
// carry no user or assistant text (tool output, system events).
type Result struct {
	Line int
	Turn *models.Turn
	Err  error
}

// rawRecord covers both the flat {"role","content"} shape and the nested
// {"type","message":{"role","content"}} shape.
type rawRecord struct {
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Message   *rawMessage     `json:"message"`
	Timestamp string          `json:"timestamp"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrLineTooLong marks a transcript line over the size limit. The line is
// skipped and parsing continues with the next one.
var ErrLineTooLong = errors.New("line exceeds size limit")

// ParseTranscript decodes a JSONL transcript line by line. Malformed or
// oversized lines become Results with Err set; only a read failure aborts.
func ParseTranscript(r io.Reader) ([]Result, error) {
	return parseTranscript(r, maxLineBytes)
}

func parseTranscript(r io.Reader, limit int) ([]Result, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var results []Result
	lineNo := 0
	turnIndex := 0
	for {
		raw, tooLong, err := readLine(br, limit)
		if err != nil && err != io.EOF {
			return results, fmt.Errorf("read transcript: %w", err)
		}
		if len(raw) > 0 || tooLong || err == nil {
			lineNo++
		}
		line := strings.TrimSpace(string(raw))
		switch {
		case tooLong:
			results = append(results, Result{Line: lineNo, Err: &ParseError{Line: lineNo, Err: ErrLineTooLong}})
		case line != "":
			turn, perr := parseLine(line)
			res := Result{Line: lineNo}
			switch {
			case perr != nil:
				res.Err = &ParseError{Line: lineNo, Err: perr}
			case turn != nil:
				turn.TurnIndex = turnIndex
				turnIndex++
				res.Turn = turn
			}
			results = append(results, res)
		}
		if err == io.EOF {
			return results, nil
		}
	}
}

// readLine returns the next line without its newline. A line longer than
// limit is drained and reported with tooLong set and no content.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, rerr := br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch rerr {
		case bufio.ErrBufferFull:
			continue
		case nil:
			return bytes.TrimSuffix(buf, []byte("\n")), tooLong, nil
		default:
			return buf, tooLong, rerr
		}
	}
}

// Turns returns the decoded turns and the number of malformed lines.
func Turns(results []Result) (turns []models.Turn, malformed int) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			malformed++
		case r.Turn != nil:
			turns = append(turns, *r.Turn)
		}
	}
	return turns, malformed
}

func parseLine(line string) (*models.Turn, error) {
	var rec rawRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, err
	}

	role, content := rec.Role, rec.Content
	if rec.Message != nil {
		if rec.Message.Role != "" {
			role = rec.Message.Role
		}
		content = rec.Message.Content
	}
	if role == "" {
		role = rec.Type
	}
	if role == "" {
		return nil, errors.New("record has no role")
	}

	r := models.Role(role)
	if !r.IsValid() {
		return nil, nil
	}

	text, err := decodeContent(content)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	turn := &models.Turn{Role: r, Content: text}
	if rec.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", rec.Timestamp, err)
		}
		turn.Timestamp = ts
	}
	return turn, nil
}

// decodeContent accepts a plain string or a list of content blocks, keeping
// only the text blocks.
func decodeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("content is neither text nor blocks: %w", err)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
