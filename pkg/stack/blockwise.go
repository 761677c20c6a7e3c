package stack

import (
	"bytes"

	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// BlockwiseLayer implements RFC 7959 block transfers. Outbound bodies
// above the message size threshold are split into block1 (requests) or
// block2 (responses) sequences; inbound blocks are reassembled into one
// logical message before the stack above sees them.
type BlockwiseLayer struct {
	BaseLayer

	preferredSize int
	maxMsgSize    int
	maxBodySize   int
	log           logging.LeveledLogger
}

// NewBlockwiseLayer creates the blockwise layer.
func NewBlockwiseLayer(config Config) *BlockwiseLayer {
	l := &BlockwiseLayer{
		preferredSize: config.PreferredBlockSize,
		maxMsgSize:    config.MaxMessageSize,
		maxBodySize:   config.MaxResourceBodySize,
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("blockwise")
	}
	return l
}

// SendRequest splits oversize request bodies into a block1 sequence.
func (l *BlockwiseLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	if len(req.Payload) <= l.maxMsgSize {
		l.lower.SendRequest(ex, req)
		return
	}

	state := &exchange.BlockState{
		Body:  req.Payload,
		SZX:   message.SZXForSize(l.preferredSize),
		Token: req.Token,
	}
	ex.SetBlock1(state)

	if l.log != nil {
		l.log.Debugf("starting block1 transfer of %d bytes in %d-byte blocks",
			len(state.Body), 1<<(state.SZX+4))
	}
	l.lower.SendRequest(ex, l.nextBlock1Request(req, state))
}

// nextBlock1Request builds the request carrying the current block1
// chunk.
func (l *BlockwiseLayer) nextBlock1Request(req *message.Request, state *exchange.BlockState) *message.Request {
	size := 1 << (state.SZX + 4)
	offset := int(state.Current) * size
	end := offset + size
	more := end < len(state.Body)
	if !more {
		end = len(state.Body)
	}

	block := message.NewRequest(req.Code)
	block.Type = req.Type
	block.Token = req.Token
	block.Destination = req.Destination
	block.Scheme = req.Scheme
	block.Options = append(message.Options(nil), req.Options...)
	block.Options = block.Options.SetBlock(message.OptionBlock1, message.BlockOption{
		Num: state.Current, More: more, SZX: state.SZX,
	})
	block.Payload = state.Body[offset:end]
	return block
}

// SendResponse splits oversize response bodies into a block2 sequence.
// The full response stays cached on the exchange so later block2
// requests can be served from it.
func (l *BlockwiseLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	if len(resp.Payload) <= l.maxMsgSize {
		l.lower.SendResponse(ex, resp)
		return
	}

	szx := message.SZXForSize(l.preferredSize)
	if req := ex.Request(); req != nil {
		if b, ok := req.Options.Block(message.OptionBlock2); ok && b.SZX < szx {
			szx = b.SZX
		}
	}

	state := &exchange.BlockState{Body: resp.Payload, SZX: szx}
	ex.SetBlock2(state)

	l.lower.SendResponse(ex, l.block2Response(ex, resp.Code, state, 0))
}

// block2Response builds the response carrying block num of the stored
// body.
func (l *BlockwiseLayer) block2Response(ex *exchange.Exchange, code message.Code, state *exchange.BlockState, num uint32) *message.Response {
	size := 1 << (state.SZX + 4)
	offset := int(num) * size
	end := offset + size
	more := end < len(state.Body)
	if !more {
		end = len(state.Body)
	}

	block := message.NewResponse(code)
	if req := ex.Request(); req != nil {
		block.Token = req.Token
		block.Destination = req.Source
	}
	block.Options = block.Options.SetBlock(message.OptionBlock2, message.BlockOption{
		Num: num, More: more, SZX: state.SZX,
	})
	if offset < len(state.Body) {
		block.Payload = state.Body[offset:end]
	}
	return block
}

// ReceiveRequest reassembles block1 sequences and serves block2
// requests from the cached response.
func (l *BlockwiseLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	if b, ok := req.Options.Block(message.OptionBlock2); ok && b.Num > 0 {
		l.serveBlock2(ex, req, b)
		return
	}

	b1, hasBlock1 := req.Options.Block(message.OptionBlock1)
	if !hasBlock1 {
		l.upper.ReceiveRequest(ex, req)
		return
	}

	state := ex.Block1()
	if state == nil || state.Complete || !bytes.Equal(state.Token, req.Token) {
		// New transfer, or a restart with a fresh token.
		state = &exchange.BlockState{SZX: b1.SZX, Token: req.Token}
		ex.SetBlock1(state)
	}

	if b1.Num != state.Current {
		if l.log != nil {
			l.log.Warnf("block1 %v out of sequence, expected %d", b1, state.Current)
		}
		l.sendBlockError(ex, req, message.CodeRequestEntityIncomplete, b1)
		ex.SetBlock1(nil)
		return
	}

	state.Body = append(state.Body, req.Payload...)
	if len(state.Body) > l.maxBodySize {
		if l.log != nil {
			l.log.Warnf("block1 body exceeds %d bytes, rejecting", l.maxBodySize)
		}
		l.sendBlockError(ex, req, message.CodeRequestEntityTooLarge, b1)
		ex.SetBlock1(nil)
		return
	}

	if b1.More {
		state.Current++
		cont := message.NewResponse(message.CodeContinue)
		cont.Token = req.Token
		cont.Destination = req.Source
		cont.Options = cont.Options.SetBlock(message.OptionBlock1, b1)
		l.lower.SendResponse(ex, cont)
		return
	}

	// Last block: hand the assembled request upward.
	state.Complete = true
	req.Payload = state.Body
	l.upper.ReceiveRequest(ex, req)
}

// serveBlock2 answers a follow-up block2 request from the stored body.
func (l *BlockwiseLayer) serveBlock2(ex *exchange.Exchange, req *message.Request, b message.BlockOption) {
	state := ex.Block2()
	cached := ex.Response()
	if state == nil || cached == nil {
		if l.log != nil {
			l.log.Warnf("block2 request %v without ongoing transfer", b)
		}
		l.sendBlockError(ex, req, message.CodeRequestEntityIncomplete, b)
		return
	}

	if b.SZX < state.SZX {
		state.SZX = b.SZX
	}
	l.lower.SendResponse(ex, l.block2Response(ex, cached.Code, state, b.Num))
}

// sendBlockError responds with a blockwise error code (4.08 or 4.13).
func (l *BlockwiseLayer) sendBlockError(ex *exchange.Exchange, req *message.Request, code message.Code, b message.BlockOption) {
	resp := message.NewResponse(code)
	resp.Token = req.Token
	resp.Destination = req.Source
	resp.Options = resp.Options.SetBlock(message.OptionBlock1, b)
	l.lower.SendResponse(ex, resp)
}

// ReceiveResponse advances block1 transfers on 2.31 and reassembles
// block2 sequences before forwarding upward.
func (l *BlockwiseLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	if state := ex.Block1(); state != nil && !state.Complete {
		if resp.Code == message.CodeContinue {
			state.Current++
			req := ex.Request()
			if req == nil {
				return
			}
			l.lower.SendRequest(ex, l.nextBlock1Request(req, state))
			return
		}
		// Any final code ends the block1 transfer.
		state.Complete = true
	}

	b2, hasBlock2 := resp.Options.Block(message.OptionBlock2)
	if !hasBlock2 {
		l.upper.ReceiveResponse(ex, resp)
		return
	}

	state := ex.Block2()
	if state == nil {
		state = &exchange.BlockState{SZX: b2.SZX}
		ex.SetBlock2(state)
	}

	if b2.Num != state.Current {
		if l.log != nil {
			l.log.Warnf("block2 %v out of sequence, expected %d; dropping", b2, state.Current)
		}
		return
	}

	state.Body = append(state.Body, resp.Payload...)
	if len(state.Body) > l.maxBodySize {
		if l.log != nil {
			l.log.Warnf("block2 body exceeds %d bytes, aborting transfer", l.maxBodySize)
		}
		ex.SetBlock2(nil)
		ex.Complete()
		return
	}

	if b2.More {
		state.Current++
		req := ex.Request()
		if req == nil {
			return
		}
		next := message.NewRequest(req.Code)
		next.Type = req.Type
		next.Token = req.Token
		next.Destination = req.Destination
		next.Scheme = req.Scheme
		next.Options = append(message.Options(nil), req.Options...)
		next.Options = next.Options.Remove(message.OptionObserve)
		next.Options = next.Options.SetBlock(message.OptionBlock2, message.BlockOption{
			Num: state.Current, SZX: state.SZX,
		})
		l.lower.SendRequest(ex, next)
		return
	}

	// Last block: hand the assembled response upward.
	state.Complete = true
	resp.Payload = state.Body
	l.upper.ReceiveResponse(ex, resp)
}
