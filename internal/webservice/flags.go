package webservice

import (
	"time"

	"github.com/spf13/pflag"
)

// AddFlags registers the server flags on fs, with their defaults written to sc.
func AddFlags(fs *pflag.FlagSet, sc *StaticConfig) {
	fs.StringVar(&sc.ConfigPath, "daemon-config", "", "path to the dynamic JSON configuration file")

	fs.DurationVar(&sc.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for HTTP server")
	fs.DurationVar(&sc.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for HTTP server")
	fs.DurationVar(&sc.RequestTimeout, "request-timeout", 3*time.Second, "time allowed to answer a webhook request")
	fs.IntVar(&sc.MaxHeaderBytes, "max-header-bytes", 8<<10, "maximum header bytes for HTTP server")
	fs.IntVar(&sc.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum webhook body bytes")

	fs.DurationVar(&sc.BootstrapTimeout, "bootstrap-timeout", 30*time.Minute, "maximum duration of a bootstrap sweep run from the trigger")
	fs.DurationVar(&sc.TriggerInterval, "trigger-interval", time.Minute, "minimum delay between two trigger calls from one address, 0 to disable")
	fs.IntVar(&sc.TriggerBurst, "trigger-burst", 1, "number of trigger calls allowed from one address before pacing")

	fs.StringVar(&sc.ListenHost, "listen-host", "", "host to listen on")
	fs.IntVar(&sc.ListenPort, "listen-port", 8080, "port to listen on")
	fs.StringVar(&sc.MetricsHost, "metrics-host", "", "host for the metrics endpoint")
	fs.IntVar(&sc.MetricsPort, "metrics-port", 2112, "port for the metrics endpoint")
}
