package endpoint

import (
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// ClientMessageDeliverer is the default deliverer installed when none
// was set at start. It forwards matched responses to the originating
// request's response handler and drops inbound requests, which makes
// a bare endpoint usable as a client out of the box.
type ClientMessageDeliverer struct {
	log logging.LeveledLogger
}

// NewClientMessageDeliverer creates the default client-side deliverer.
func NewClientMessageDeliverer(loggerFactory logging.LoggerFactory) *ClientMessageDeliverer {
	d := &ClientMessageDeliverer{}
	if loggerFactory != nil {
		d.log = loggerFactory.NewLogger("deliverer")
	}
	return d
}

// DeliverRequest drops inbound requests; a client endpoint serves no
// resources.
func (d *ClientMessageDeliverer) DeliverRequest(ex *exchange.Exchange, req *message.Request) {
	if d.log != nil {
		d.log.Infof("no resource tree installed, dropping request %s from %v", req.Code, req.Source)
	}
}

// DeliverResponse forwards the response to the request's handler.
func (d *ClientMessageDeliverer) DeliverResponse(ex *exchange.Exchange, resp *message.Response) {
	req := ex.Request()
	if req == nil {
		if d.log != nil {
			d.log.Warn("response for exchange without request")
		}
		return
	}
	req.DeliverResponse(resp)
}
