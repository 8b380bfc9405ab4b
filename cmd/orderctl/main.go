// orderctl отправляет одну команду в orders.v1.CommandService и печатает ответ.
//
//	orderctl -cmd createOrder -data '{"items":[{"productId":1,"quantity":2}]}' -idempotency-key k1
//	orderctl -cmd findAllOrders -data '{"status":"PENDING","page":1,"limit":20}'
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vladislavdragonenkov/orders/internal/rpc"
	"github.com/vladislavdragonenkov/orders/internal/version"
)

const defaultTimeout = 10 * time.Second

type options struct {
	addr           string
	command        string
	data           string
	idempotencyKey string
	timeout        time.Duration
}

// rawSender покрывает часть *rpc.Client, которая нужна CLI.
type rawSender interface {
	SendRaw(ctx context.Context, cmd string, in any, opts ...grpc.CallOption) (json.RawMessage, error)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("orderctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.addr, "addr", "localhost:50051", "order-service gRPC address")
	fs.StringVar(&opts.command, "cmd", "", "command name, e.g. createOrder")
	fs.StringVar(&opts.data, "data", "", "command payload as JSON")
	fs.StringVar(&opts.idempotencyKey, "idempotency-key", "", "idempotency key for createOrder")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "call timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.command = strings.TrimSpace(opts.command)
	if opts.command == "" {
		return options{}, errors.New("-cmd is required")
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultTimeout
	}
	return opts, nil
}

// run исполняет команду и пишет data ответа в out с отступами.
func run(ctx context.Context, sender rawSender, opts options, out io.Writer) error {
	var payload any
	if data := strings.TrimSpace(opts.data); data != "" {
		raw := json.RawMessage(data)
		if !json.Valid(raw) {
			return fmt.Errorf("-data is not valid JSON")
		}
		payload = raw
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	callCtx = rpc.WithOutgoingIdempotencyKey(callCtx, strings.TrimSpace(opts.idempotencyKey))

	reply, err := sender.SendRaw(callCtx, opts.command, payload)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if len(reply) == 0 {
		reply = json.RawMessage("null")
	}
	if err := json.Indent(&pretty, reply, "", "  "); err != nil {
		return fmt.Errorf("format reply: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fail("%v", err)
	}

	conn, err := grpc.NewClient(opts.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.UserAgent("orderctl")),
	)
	if err != nil {
		fail("connect %s: %v", opts.addr, err)
	}
	defer conn.Close()

	if err := run(context.Background(), rpc.NewClient(conn), opts, os.Stdout); err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			fail("%s failed: status=%d message=%s", opts.command, rpcErr.Status, rpcErr.Message)
		}
		fail("%s failed: %v", opts.command, err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
