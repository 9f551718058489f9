package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"go-servent/wire"
)

// errStop ends the command loop.
var errStop = errors.New("stop requested")

// ringNode is the part of servent.Node the command loop drives.
type ringNode interface {
	Upload(ctx context.Context, path string) (wire.Result, error)
	RemoveFile(ctx context.Context, path string) (wire.Result, error)
	ListFiles(ctx context.Context, target wire.NodeInfo) (wire.Result, error)
	Put(ctx context.Context, key int, value string) (wire.Result, error)
	Get(ctx context.Context, key int) (wire.Result, error)
	String() string
}

// commandLoop executes one command per input line, the way scripted servents are driven.
type commandLoop struct {
	node     ringNode
	ringSize int
	out      io.Writer
}

// run reads commands until stop, end of input or ctx is done.
func (c *commandLoop) run(ctx context.Context, in io.Reader) error {
	var scanner = bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var line = strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := c.execute(ctx, line); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (c *commandLoop) execute(ctx context.Context, line string) error {
	var (
		fields = strings.Fields(line)
		name   = fields[0]
		args   = fields[1:]
	)

	switch name {
	case "upload":
		if len(args) != 1 {
			return fmt.Errorf("usage: upload <path>")
		}
		return c.report(c.node.Upload(ctx, args[0]))

	case "remove_file":
		if len(args) != 1 {
			return fmt.Errorf("usage: remove_file <path>")
		}
		return c.report(c.node.RemoveFile(ctx, args[0]))

	case "list_files":
		if len(args) != 1 {
			return fmt.Errorf("usage: list_files <host:port>")
		}
		var target, err = c.parseTarget(args[0])
		if err != nil {
			return err
		}
		return c.report(c.node.ListFiles(ctx, target))

	case "put":
		if len(args) < 2 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		var key, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid key %q: %w", args[0], err)
		}
		return c.report(c.node.Put(ctx, key, strings.Join(args[1:], " ")))

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		var key, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid key %q: %w", args[0], err)
		}
		return c.report(c.node.Get(ctx, key))

	case "status":
		fmt.Fprintln(c.out, c.node.String())
		return nil

	case "pause":
		if len(args) != 1 {
			return fmt.Errorf("usage: pause <millis>")
		}
		var millis, err = strconv.Atoi(args[0])
		if err != nil || millis < 0 {
			return fmt.Errorf("invalid pause %q", args[0])
		}
		select {
		case <-time.After(time.Duration(millis) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case "stop":
		return errStop

	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func (c *commandLoop) parseTarget(arg string) (wire.NodeInfo, error) {
	var host, portStr, err = net.SplitHostPort(arg)
	if err != nil {
		return wire.NodeInfo{}, fmt.Errorf("invalid address %q: %w", arg, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return wire.NodeInfo{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return wire.NewNodeInfo(host, port, c.ringSize), nil
}

// report prints a result. A failed operation is output, not an error.
func (c *commandLoop) report(result wire.Result, err error) error {
	if err != nil {
		return err
	}

	if result.Op == wire.OpList && result.OK {
		fmt.Fprintf(c.out, "%s files\n", humanize.Comma(int64(len(result.Files))))
		for _, f := range result.Files {
			fmt.Fprintf(c.out, "  %s\n", f)
		}
		return nil
	}

	fmt.Fprintln(c.out, result.Payload)
	return nil
}
