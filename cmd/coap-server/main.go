// coap-server runs a minimal CoAP endpoint serving a couple of fixed
// resources over UDP.
//
// Usage:
//
//	coap-server [options]
//
// Options:
//
//	-listen   UDP listen address (default ":5683")
//	-trace    log every message crossing the endpoint
//	-metrics  serve prometheus metrics on this HTTP address (e.g. ":9100")
//
// Example:
//
//	coap-server -listen :5683 -trace
//	coap-client get coap://localhost/hello
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/interceptor"
	"github.com/backkem/coap/pkg/message"
)

// resourceDeliverer serves a fixed resource tree.
type resourceDeliverer struct {
	e *endpoint.Endpoint
}

func (d *resourceDeliverer) DeliverRequest(ex *exchange.Exchange, req *message.Request) {
	var resp *message.Response

	switch {
	case req.Code != message.CodeGET:
		resp = message.NewResponse(message.CodeMethodNotAllowed)
	case req.Options.URIPath() == "/hello":
		resp = message.NewResponse(message.CodeContent)
		resp.Payload = []byte("hello from coap-server")
	case req.Options.URIPath() == "/time":
		resp = message.NewResponse(message.CodeContent)
		resp.Payload = []byte(time.Now().Format(time.RFC3339))
	default:
		resp = message.NewResponse(message.CodeNotFound)
	}

	resp.Token = req.Token
	resp.Destination = req.Source
	d.e.SendResponse(ex, resp)
}

func (d *resourceDeliverer) DeliverResponse(ex *exchange.Exchange, resp *message.Response) {
	// A pure server sends no requests.
}

func main() {
	listen := flag.String("listen", ":5683", "UDP listen address")
	trace := flag.Bool("trace", false, "log every message")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this HTTP address")
	flag.Parse()

	loggerFactory := logging.NewDefaultLoggerFactory()

	e := endpoint.NewUDP(*listen, endpoint.Config{
		LoggerFactory: loggerFactory,
	})

	deliverer := &resourceDeliverer{e: e}
	e.SetMessageDeliverer(deliverer)

	if *trace {
		e.AddInterceptor(interceptor.NewMessageTracer(loggerFactory))
	}
	if *metricsAddr != "" {
		metrics, err := interceptor.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		e.AddInterceptor(metrics)

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Fatalf("Metrics server failed: %v", err)
			}
		}()
	}

	if err := e.Start(); err != nil {
		log.Fatalf("Failed to start endpoint: %v", err)
	}
	log.Printf("CoAP server listening on %v", e.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down")
	e.Destroy()
}
