// dbusmon is a low-level bus monitor and call tool built directly on
// the wire engine, with no proxy layer in between.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbuswire"
	"github.com/kr/pretty"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

var globalArgs struct {
	UseSessionBus bool `flag:"session,Connect to session bus instead of system bus"`
}

func busConn(ctx context.Context) (*dbuswire.Conn, error) {
	if globalArgs.UseSessionBus {
		return dbuswire.SessionBus(ctx)
	}
	return dbuswire.SystemBus(ctx)
}

func main() {
	root := &command.C{
		Name:     "dbusmon",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "monitor",
				Usage: "monitor",
				Help: `Print bus signals as they arrive.

With no flags, prints every signal the bus forwards. Flags narrow the
subscription to one rule; --rules loads several rules from a YAML
file instead, one filter per list entry:

  - interface: org.freedesktop.NetworkManager
    member: StateChanged
  - object_namespace: /org/freedesktop/portal
    arg0_namespace: org.freedesktop.impl
`,
				SetFlags: command.Flags(flax.MustBind, &monitorArgs),
				Run:      command.Adapt(runMonitor),
			},
			{
				Name:  "call",
				Usage: "call dest path interface member [args...]",
				Help: `Call a method and print its reply.

Arguments are passed as strings, except that values of the form
int:N, uint:N, bool:V and path:P are converted first.`,
				Run: runCall,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer and report the round-trip time.",
				Run:   command.Adapt(runPing),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

var monitorArgs struct {
	Rules    string `flag:"rules,Path to a YAML file of match rules"`
	LogFile  string `flag:"logfile,Append output to this file (with rotation) instead of stdout"`
	Sender   string `flag:"sender,Only signals from this bus name"`
	Object   string `flag:"object,Only signals from this object path"`
	ObjectNS string `flag:"namespace,Only signals from objects under this path"`
	Iface    string `flag:"interface,Only signals for this interface"`
	Member   string `flag:"member,Only signals with this member name"`
	Arg0NS   string `flag:"arg0ns,Only signals whose first argument is in this dotted namespace"`
}

// matchRule is one entry of a --rules file.
type matchRule struct {
	Sender   string         `yaml:"sender"`
	Object   string         `yaml:"object"`
	ObjectNS string         `yaml:"object_namespace"`
	Iface    string         `yaml:"interface"`
	Member   string         `yaml:"member"`
	Args     map[int]string `yaml:"args"`
	ArgPaths map[int]string `yaml:"arg_paths"`
	Arg0NS   string         `yaml:"arg0_namespace"`
}

func (r matchRule) filter() *dbuswire.Filter {
	f := dbuswire.NewFilter()
	if r.Sender != "" {
		f.Sender(r.Sender)
	}
	if r.Object != "" {
		f.Object(dbuswire.ObjectPath(r.Object))
	}
	if r.ObjectNS != "" {
		f.ObjectNamespace(dbuswire.ObjectPath(r.ObjectNS))
	}
	if r.Iface != "" {
		f.Interface(r.Iface)
	}
	if r.Member != "" {
		f.Member(r.Member)
	}
	for i, v := range r.Args {
		f.ArgStr(i, v)
	}
	for i, v := range r.ArgPaths {
		f.ArgPathPrefix(i, dbuswire.ObjectPath(v))
	}
	if r.Arg0NS != "" {
		f.Arg0Namespace(r.Arg0NS)
	}
	return f
}

func monitorFilters() ([]*dbuswire.Filter, error) {
	if monitorArgs.Rules == "" {
		return []*dbuswire.Filter{matchRule{
			Sender:   monitorArgs.Sender,
			Object:   monitorArgs.Object,
			ObjectNS: monitorArgs.ObjectNS,
			Iface:    monitorArgs.Iface,
			Member:   monitorArgs.Member,
			Arg0NS:   monitorArgs.Arg0NS,
		}.filter()}, nil
	}

	bs, err := os.ReadFile(monitorArgs.Rules)
	if err != nil {
		return nil, err
	}
	var rules []matchRule
	if err := yaml.Unmarshal(bs, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", monitorArgs.Rules, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", monitorArgs.Rules)
	}
	ret := make([]*dbuswire.Filter, 0, len(rules))
	for _, r := range rules {
		ret = append(ret, r.filter())
	}
	return ret, nil
}

func runMonitor(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	filters, err := monitorFilters()
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if monitorArgs.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   monitorArgs.LogFile,
			MaxSize:    50, // MiB
			MaxBackups: 3,
		}
		defer lj.Close()
		out = lj
	}

	for _, f := range filters {
		if err := conn.Subscribe(env.Context(), f); err != nil {
			return fmt.Errorf("subscribing %q: %w", f.Rule(), err)
		}
		defer f.Close()
	}

	g := taskgroup.New(nil)
	for _, f := range filters {
		g.Go(func() error {
			for {
				m, err := f.Next(env.Context())
				if err != nil {
					return nil
				}
				fmt.Fprintf(out, "%s %s.%s from %s on %s\n  %# v\n\n",
					m.Type, m.Interface, m.Member, m.Sender, m.Path,
					pretty.Formatter(m.Body))
				if n := f.Dropped(); n > 0 {
					fmt.Fprintf(out, "OVERFLOW: %d signals lost so far\n\n", n)
				}
			}
		})
	}

	fmt.Fprintf(os.Stderr, "Listening as %s...\n", conn.LocalName())
	<-env.Context().Done()
	for _, f := range filters {
		f.Close()
	}
	g.Wait()
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires dest, path, interface and member arguments.")
	}
	dest, path, iface, member := env.Args[0], env.Args[1], env.Args[2], env.Args[3]

	var body []any
	for _, arg := range env.Args[4:] {
		v, err := parseArg(arg)
		if err != nil {
			return err
		}
		body = append(body, v)
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	ret, err := conn.Call(ctx, dest, dbuswire.ObjectPath(path), iface, member, body...)
	if err != nil {
		return err
	}
	for _, v := range ret {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

// parseArg converts a command line argument into a body value. A
// typed prefix selects the wire type; everything else is a string.
func parseArg(s string) (any, error) {
	typ, val, ok := strings.Cut(s, ":")
	if !ok {
		return s, nil
	}
	switch typ {
	case "int":
		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad int argument %q: %w", s, err)
		}
		return int32(n), nil
	case "uint":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad uint argument %q: %w", s, err)
		}
		return uint32(n), nil
	case "bool":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("bad bool argument %q: %w", s, err)
		}
		return b, nil
	case "path":
		p := dbuswire.ObjectPath(val)
		if !p.Valid() {
			return nil, fmt.Errorf("bad object path argument %q", s)
		}
		return p, nil
	}
	return s, nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 30*time.Second)
	defer cancel()
	start := time.Now()
	if _, err := conn.Call(ctx, peer, "/", "org.freedesktop.DBus.Peer", "Ping"); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s: %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}
