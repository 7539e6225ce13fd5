// xmuxctl is a test client that plays the switch daemon end of the xmux
// sideband.
//
// It connects to the mux sideband, prints every message and exception
// frame the mux sends, and sends port settings, statistics, dump requests
// and frames typed at its prompt.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/psaab/xmux/pkg/grpcapi"
	"github.com/psaab/xmux/pkg/msg"
	"github.com/psaab/xmux/pkg/sideband"
)

func main() {
	network := flag.String("network", "unix", "sideband network")
	addr := flag.String("addr", "@xeth", "sideband address")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:9096", "xmuxd gRPC health address")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := sideband.Dial(ctx, *network, *addr)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmuxctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	c := &ctl{client: client, grpcAddr: *grpcAddr, out: os.Stdout}

	// One-shot mode: run the command, print the reply up to the break.
	if args := flag.Args(); len(args) > 0 {
		if err := c.oneShot(args); err != nil {
			fmt.Fprintf(os.Stderr, "xmuxctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "xmuxctl> ",
		HistoryFile:     "/tmp/xmuxctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmuxctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	fmt.Printf("xmuxctl: connected to %s %s\n", *network, *addr)
	fmt.Println("Type 'help' for commands")

	go c.receive()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := c.dispatch(strings.Fields(line)); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = errors.New("exit")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("dump",
		readline.PcItem("ifinfo"),
		readline.PcItem("fib"),
	),
	readline.PcItem("carrier"),
	readline.PcItem("stat",
		readline.PcItem("ethtool"),
		readline.PcItem("link"),
	),
	readline.PcItem("speed"),
	readline.PcItem("frame"),
	readline.PcItem("health"),
	readline.PcItem("help"),
	readline.PcItem("quit"),
)

const usage = `commands:
  dump ifinfo|fib                      request an interface or forwarding dump
  carrier <xid> up|down                set a port's carrier
  stat ethtool|link <xid> <idx> <n>    report a statistic
  speed <xid> <mbps>                   set a port's speed
  frame <hex>                          send an exception frame
  health                               query the daemon's sideband health
  quit`

type ctl struct {
	client   *sideband.Client
	grpcAddr string
	out      io.Writer
}

func (c *ctl) dispatch(args []string) error {
	switch args[0] {
	case "quit", "exit":
		return errExit
	case "help", "?":
		fmt.Fprintln(c.out, usage)
		return nil
	case "health":
		return c.health()
	case "frame":
		if len(args) != 2 {
			return errors.New("usage: frame <hex>")
		}
		frame, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("frame: %w", err)
		}
		return c.client.SendFrame(frame)
	}
	m, err := parseCommand(args)
	if err != nil {
		return err
	}
	return c.client.Send(m)
}

// oneShot sends one command. Dump replies are printed until the break.
func (c *ctl) oneShot(args []string) error {
	if err := c.dispatch(args); err != nil {
		return err
	}
	if args[0] != "dump" {
		return nil
	}
	return c.client.UntilBreak(func(m msg.Message) error {
		fmt.Fprintln(c.out, describeMsg(m))
		return nil
	})
}

// receive prints every record from the mux until the connection closes.
func (c *ctl) receive() {
	for {
		m, frame, err := c.client.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "mux closed the sideband")
			} else {
				fmt.Fprintf(c.out, "receive: %v\n", err)
			}
			return
		}
		if m != nil {
			fmt.Fprintln(c.out, describeMsg(m))
			continue
		}
		fmt.Fprintln(c.out, describeFrame(frame))
	}
}

func (c *ctl) health() error {
	conn, err := grpc.NewClient(c.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: grpcapi.SidebandService,
	})
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	fmt.Fprintf(c.out, "%s: %s\n", grpcapi.SidebandService, resp.GetStatus())
	return nil
}

// parseCommand builds the control message for a command line.
func parseCommand(args []string) (msg.Message, error) {
	switch args[0] {
	case "dump":
		if len(args) != 2 {
			return nil, errors.New("usage: dump ifinfo|fib")
		}
		switch args[1] {
		case "ifinfo":
			return &msg.DumpIfInfo{}, nil
		case "fib", "fibinfo":
			return &msg.DumpFibInfo{}, nil
		}
		return nil, fmt.Errorf("unknown dump %q", args[1])

	case "carrier":
		if len(args) != 3 {
			return nil, errors.New("usage: carrier <xid> up|down")
		}
		xid, err := parseU32("xid", args[1])
		if err != nil {
			return nil, err
		}
		switch args[2] {
		case "up", "on":
			return &msg.Carrier{Xid: xid, On: true}, nil
		case "down", "off":
			return &msg.Carrier{Xid: xid}, nil
		}
		return nil, fmt.Errorf("carrier: want up or down, got %q", args[2])

	case "stat":
		if len(args) != 5 {
			return nil, errors.New("usage: stat ethtool|link <xid> <idx> <count>")
		}
		xid, err := parseU32("xid", args[2])
		if err != nil {
			return nil, err
		}
		idx, err := parseU32("index", args[3])
		if err != nil {
			return nil, err
		}
		count, err := strconv.ParseUint(args[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
		switch args[1] {
		case "ethtool":
			return msg.NewEthtoolStat(xid, idx, count), nil
		case "link":
			return msg.NewLinkStat(xid, idx, count), nil
		}
		return nil, fmt.Errorf("unknown stat %q", args[1])

	case "speed":
		if len(args) != 3 {
			return nil, errors.New("usage: speed <xid> <mbps>")
		}
		xid, err := parseU32("xid", args[1])
		if err != nil {
			return nil, err
		}
		mbps, err := parseU32("mbps", args[2])
		if err != nil {
			return nil, err
		}
		return &msg.Speed{Xid: xid, Mbps: mbps}, nil
	}
	return nil, fmt.Errorf("unknown command %q (try help)", args[0])
}

func parseU32(what, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return uint32(v), nil
}

func describeMsg(m msg.Message) string {
	if s, ok := m.(fmt.Stringer); ok {
		return "msg " + s.String()
	}
	return "msg " + m.Kind().String()
}

// describeFrame summarizes an exception frame by its decoded layers.
func describeFrame(frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	var b strings.Builder
	fmt.Fprintf(&b, "frame %d bytes", len(frame))
	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		fmt.Fprintf(&b, " %s > %s", eth.SrcMAC, eth.DstMAC)
	}
	for _, l := range pkt.Layers() {
		if q, ok := l.(*layers.Dot1Q); ok {
			fmt.Fprintf(&b, " vlan %d", q.VLANIdentifier)
		}
	}
	var names []string
	for _, l := range pkt.Layers() {
		names = append(names, l.LayerType().String())
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(names, " "))
	}
	if el := pkt.ErrorLayer(); el != nil {
		fmt.Fprintf(&b, " decode error: %v", el.Error())
	}
	return b.String()
}
