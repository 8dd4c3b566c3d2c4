// Package main is the fluxus agent: it dials a broker's control listener,
// negotiates a tunnel for a local TCP or HTTP origin, and pumps visitor
// traffic to it until the process is told to stop.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"

	"github.com/fluxusproxy/fluxus/rights"
	"github.com/fluxusproxy/fluxus/session"
	"github.com/fluxusproxy/fluxus/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBufSize           = 16 * 1024
	defaultCompressThreshold = 256
)

var (
	remoteFlag = cli.StringFlag{Name: "remote", Usage: "broker control address, host:port", Required: true}
	passFlag   = cli.StringFlag{Name: "password", Usage: "universal password, if the broker requires one"}
	portFlag   = cli.IntFlag{Name: "port", Usage: "request a specific remote port (tcp only; 0 lets the broker choose)"}
	domainFlag = cli.StringFlag{Name: "domain", Usage: "endpoint hint to request (http only; the broker rejects an empty hint)"}
	jsonFlag   = cli.BoolFlag{Name: "json", Usage: "print the post-handshake status as JSON instead of plain text"}
)

func main() {
	app := cli.NewApp()
	app.Name = "fluxus-agent"
	app.Usage = "expose a local TCP or HTTP service through a fluxus broker"
	app.Commands = []cli.Command{
		{
			Name:      "tcp",
			Usage:     "tunnel a local TCP service",
			ArgsUsage: "LOCAL_ADDR",
			Flags:     []cli.Flag{remoteFlag, passFlag, portFlag, jsonFlag},
			Action:    runTCP,
		},
		{
			Name:      "http",
			Usage:     "tunnel a local HTTP service",
			ArgsUsage: "LOCAL_ADDR",
			Flags:     []cli.Flag{remoteFlag, passFlag, domainFlag, jsonFlag},
			Action:    runHTTP,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTCP(c *cli.Context) error {
	origin := c.Args().First()
	if origin == "" {
		return cli.NewExitError("fluxus-agent: missing LOCAL_ADDR", 1)
	}
	req := session.Request{Proto: wire.ProtoTCP, Port: uint16(c.Int(portFlag.Name))}
	return run(c, origin, req)
}

func runHTTP(c *cli.Context) error {
	origin := c.Args().First()
	if origin == "" {
		return cli.NewExitError("fluxus-agent: missing LOCAL_ADDR", 1)
	}
	req := session.Request{Proto: wire.ProtoHTTP, Endpoint: c.String(domainFlag.Name)}
	return run(c, origin, req)
}

func run(c *cli.Context, origin string, req session.Request) error {
	conn, err := net.Dial("tcp", c.String(remoteFlag.Name))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("fluxus-agent: dial broker: %v", err), 1)
	}

	a, hs, err := session.Dial(conn, origin, []byte(c.String(passFlag.Name)), req, defaultBufSize, defaultCompressThreshold)
	if err != nil {
		conn.Close()
		return cli.NewExitError(fmt.Sprintf("fluxus-agent: handshake: %v", err), 1)
	}

	st := handshakeStatus{
		Server:   hs.ServerName,
		Rights:   hs.Rights,
		BoundTCP: hs.BoundPort,
		BoundURL: hs.BoundEndpoint,
	}
	if c.Bool(jsonFlag.Name) {
		b, _ := json.MarshalIndent(st, "", "  ")
		fmt.Fprintln(os.Stdout, string(b))
	} else {
		fmt.Fprintln(os.Stdout, st.String())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		a.Shutdown()
	}()

	a.Run()
	return nil
}

// handshakeStatus is what the agent prints to stdout once connected, so a
// wrapping process (or a human) can read back what the broker actually
// bound without parsing log lines.
type handshakeStatus struct {
	Server   string        `json:"server"`
	Rights   rights.Rights `json:"rights"`
	BoundTCP uint16        `json:"bound_tcp_port,omitempty"`
	BoundURL string        `json:"bound_http_endpoint,omitempty"`
}

// String is the default, human-readable status line; --json switches run() to
// the struct's JSON encoding instead.
func (h handshakeStatus) String() string {
	if h.BoundURL != "" {
		return fmt.Sprintf("connected to %s (rights=%s), bound %s", h.Server, h.Rights, h.BoundURL)
	}
	return fmt.Sprintf("connected to %s (rights=%s), bound port %d", h.Server, h.Rights, h.BoundTCP)
}
