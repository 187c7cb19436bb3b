package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strings"
	"time"

	"colossus/lib/authn"
	"colossus/lib/core"
	"colossus/lib/retry"
)

const (
	commandName     = "colossus"
	upstreamListSep = ","
)

// UpstreamListValue is a flag.Value for lists of Upstream addresses.
type UpstreamListValue struct {
	Upstreams []core.Upstream
}

func (v *UpstreamListValue) String() string {
	tokens := make([]string, len(v.Upstreams))
	for i, u := range v.Upstreams {
		tokens[i] = u.Address
	}
	return strings.Join(tokens, upstreamListSep)
}

func (v *UpstreamListValue) Set(s string) error {
	for _, token := range strings.Split(s, upstreamListSep) {
		host, port, err := net.SplitHostPort(token)
		if err != nil {
			return fmt.Errorf("expected upstream address of form host:port but got %s", token)
		}
		v.Upstreams = append(v.Upstreams, core.Upstream{
			Network: defaultUpstreamNetwork,
			Address: net.JoinHostPort(host, port),
		})
	}
	return nil
}

// ReconnectPolicyValue is a flag.Value parsing "none" | "fixed:<dur>" |
// "backoff:<base>,<cap>,<jitter>" into a retry.Policy.
type ReconnectPolicyValue struct {
	Policy retry.Policy
}

func (v *ReconnectPolicyValue) String() string {
	switch p := v.Policy.(type) {
	case retry.FixedDelay:
		return fmt.Sprintf("fixed:%s", p.Delay)
	case retry.ExponentialBackoff:
		return fmt.Sprintf("backoff:%s,%s,%s", p.Base, p.Cap, p.Jitter)
	default:
		return "none"
	}
}

func (v *ReconnectPolicyValue) Set(s string) error {
	fields := strings.SplitN(s, ":", 2)
	switch fields[0] {
	case "none", "":
		v.Policy = retry.NoRetry{}
		return nil
	case "fixed":
		if len(fields) != 2 {
			return errors.New("fixed reconnect policy requires a delay, e.g. fixed:500ms")
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return err
		}
		v.Policy = retry.FixedDelay{Delay: d}
		return nil
	case "backoff":
		if len(fields) != 2 {
			return errors.New("backoff reconnect policy requires base,cap,jitter, e.g. backoff:100ms,5s,250ms")
		}
		parts := strings.Split(fields[1], ",")
		if len(parts) != 3 {
			return errors.New("backoff reconnect policy requires exactly base,cap,jitter")
		}
		base, err := time.ParseDuration(parts[0])
		if err != nil {
			return err
		}
		cap_, err := time.ParseDuration(parts[1])
		if err != nil {
			return err
		}
		jitter, err := time.ParseDuration(parts[2])
		if err != nil {
			return err
		}
		v.Policy = retry.ExponentialBackoff{Base: base, Cap: cap_, Jitter: jitter}
		return nil
	default:
		return fmt.Errorf("unrecognised reconnect policy %q", s)
	}
}

func newConfigFromFlags(argv []string) (*Config, error) {
	flagSet := flag.NewFlagSet(commandName, flag.ExitOnError)

	cfg := &Config{
		ListenNetwork: defaultListenNetwork,
		ListenAddress: defaultListenAddress,
		NumWorkers:    defaultNumWorkers,
	}

	upstreamListVar := &UpstreamListValue{}
	reconnectVar := &ReconnectPolicyValue{Policy: retry.NoRetry{}}
	clientIDListVar := &ClientIDListValue{}

	flagSet.StringVar(&cfg.ListenAddress, "listen-address", defaultListenAddress, "listen address as host:port")
	flagSet.Var(upstreamListVar, "upstreams", "comma-separated list of upstream as host:port")
	flagSet.Var(clientIDListVar, "authzd-clients", "comma-separated list of client keys authorized to use the upstreams")
	flagSet.IntVar(&cfg.NumWorkers, "num-workers", defaultNumWorkers, "number of event-loop workers")
	flagSet.IntVar(&cfg.ReadBufferKB, "read-buffer-kb", defaultReadBufferKB, "per-connection read buffer size in KiB")
	flagSet.IntVar(&cfg.WriteBufferKB, "write-buffer-kb", defaultWriteBufferKB, "per-connection write scratch size in KiB")
	flagSet.IntVar(&cfg.PipelineHigh, "pipeline-high", defaultPipelineHigh, "in-flight request count at which read interest is suspended")
	flagSet.IntVar(&cfg.PipelineLow, "pipeline-low", defaultPipelineLow, "in-flight request count at which read interest resumes")
	flagSet.DurationVar(&cfg.ConnectionIdleTimeout, "connection-idle-timeout", defaultConnectionIdleTimeout, "close idle client connections after this long")
	flagSet.DurationVar(&cfg.RequestTimeout, "request-timeout", defaultRequestTimeout, "client request deadline (accepted for config-table completeness; not applied to forwarded requests; see DESIGN.md)")
	flagSet.Var(reconnectVar, "reconnect-policy", "none | fixed:<dur> | backoff:<base>,<cap>,<jitter> (accepted for config-table completeness; see DESIGN.md)")
	flagSet.IntVar(&cfg.AcceptBacklog, "accept-backlog", defaultAcceptBacklog, "requested listener queue depth (accepted for config-table completeness; see DESIGN.md)")
	flagSet.Int64Var(&cfg.MaxConnectionsPerClient, "max-conns-per-client", defaultMaxConnectionsPerClient, "concurrent forwarded-request limit per client key; 0 disables limiting")

	err := flagSet.Parse(argv[1:])
	cfg.Upstreams = upstreamListVar.Upstreams
	cfg.ReconnectPolicy = reconnectVar.Policy
	cfg.AuthorizedClients = clientIDListVar.ClientIDs
	return cfg, err
}

// ClientIDListValue is a flag.Value for lists of ClientIDs, keyed under
// authn's default namespace so it lines up with the ClientID GatewayHandler
// derives from each request's ClientKey field.
type ClientIDListValue struct {
	ClientIDs []core.ClientID
}

func (v *ClientIDListValue) String() string {
	tokens := make([]string, len(v.ClientIDs))
	for i, c := range v.ClientIDs {
		tokens[i] = c.Key
	}
	return strings.Join(tokens, upstreamListSep)
}

func (v *ClientIDListValue) Set(s string) error {
	for _, token := range strings.Split(s, upstreamListSep) {
		v.ClientIDs = append(v.ClientIDs, core.ClientID{Namespace: authn.DefaultNamespace, Key: token})
	}
	return nil
}
