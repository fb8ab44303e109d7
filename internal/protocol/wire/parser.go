package wire

import "iter"

// Parser extracts complete messages from an arbitrarily chunked stream.
// A feed may hold zero, one or several messages; trailing partial bytes
// stay buffered for the next feed.
type Parser struct {
	buf []byte
	err error
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends data to the internal buffer. It does not decode.
func (p *Parser) Feed(data []byte) {
	if p.err != nil || len(data) == 0 {
		return
	}
	p.buf = append(p.buf, data...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Err returns the fatal error that stopped the parser, if any.
func (p *Parser) Err() error {
	return p.err
}

// Next decodes the next complete message. ok is false when the buffer
// does not yet hold a full frame. After an error the parser is dead.
func (p *Parser) Next() (msg *Message, ok bool, err error) {
	if p.err != nil {
		return nil, false, p.err
	}
	total, ok, err := FrameLength(p.buf)
	if err != nil {
		p.err = err
		return nil, false, err
	}
	if !ok || len(p.buf) < total {
		return nil, false, nil
	}
	msg, err = Unmarshal(p.buf[:total])
	if err != nil {
		p.err = err
		return nil, false, err
	}
	rest := len(p.buf) - total
	copy(p.buf, p.buf[total:])
	p.buf = p.buf[:rest]
	return msg, true, nil
}

// Messages yields every complete message currently buffered. The sequence
// stops at the first incomplete frame; ranging again after another Feed
// resumes where it left off. A decode error is yielded once and ends it.
func (p *Parser) Messages() iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			msg, ok, err := p.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// FeedAll feeds data and collects every message it completes.
func (p *Parser) FeedAll(data []byte) ([]*Message, error) {
	p.Feed(data)
	var out []*Message
	for msg, err := range p.Messages() {
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}
