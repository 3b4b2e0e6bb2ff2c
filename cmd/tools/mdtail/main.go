package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"mdbroker/internal/model"
	"mdbroker/internal/model/enum"
	"mdbroker/internal/protocol"

	"github.com/spf13/pflag"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("mdtail: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("mdtail", pflag.ContinueOnError)
	addr := flagSet.String("addr", "ws://127.0.0.1:8080/stream", "broker stream endpoint")
	udsPath := flagSet.String("uds", "", "broker unix socket; speaks CBOR frames instead of websocket JSON")
	user := flagSet.StringP("user", "u", "mdtail", "user name sent in the handshake")
	ids := flagSet.StringSliceP("id", "i", []string{"BUID~EQ001"}, "external identifiers, SCHEME~VALUE")
	ruleSet := flagSet.StringP("rule-set", "r", "RAW", "normalization rule set")
	snapshot := flagSet.Bool("snapshot", false, "request a one-shot snapshot instead of subscribing")
	count := flagSet.IntP("count", "n", 0, "exit after this many updates (0 runs until interrupted)")
	timeout := flagSet.Duration("timeout", 10*time.Second, "dial and handshake timeout")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	bundle, err := parseBundle(*ids)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, *timeout)
	var c transport
	if *udsPath != "" {
		c, err = dialUnix(dialCtx, *udsPath)
	} else {
		c, err = dialWebsocket(dialCtx, *addr, *timeout)
	}
	dialCancel()
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
			_ = c.Close()
		case <-ctx.Done():
		}
	}()

	if err := c.Send(ctx, protocol.ConnectionRequest{UserName: *user}); err != nil {
		return err
	}
	hsCtx, hsCancel := context.WithTimeout(ctx, *timeout)
	msg, err := c.Recv(hsCtx)
	hsCancel()
	if err != nil {
		return err
	}
	resp, ok := msg.(protocol.ConnectionResponse)
	if !ok {
		return errors.Errorf("unexpected handshake reply %s", msg.Kind())
	}
	switch resp.Result {
	case enum.ConnectionNewSuccess, enum.ConnectionExistingRestart:
		fmt.Printf("%s result=%s\n", resp.Kind(), resp.Result)
	default:
		return errors.Errorf("connection refused: %s", resp.Result)
	}

	const corr model.CorrelationID = 1
	var request protocol.Message = protocol.SubscribeRequest{CorrelationID: corr, ExternalID: bundle, NormalizationScheme: *ruleSet}
	if *snapshot {
		request = protocol.SnapshotRequest{CorrelationID: corr, ExternalID: bundle, NormalizationScheme: *ruleSet}
	}
	if err := c.Send(ctx, request); err != nil {
		return err
	}

	updates := 0
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			if isPeerClose(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		printMessage(msg)

		switch m := msg.(type) {
		case protocol.SnapshotResponse:
			return nil
		case protocol.SubscriptionResponse:
			if m.Status != enum.StatusSuccess {
				return nil
			}
		case protocol.UpdateMessage:
			updates++
			if *count > 0 && updates >= *count {
				return c.Send(ctx, protocol.UnsubscribeRequest{CorrelationID: corr, ExternalID: bundle, NormalizationScheme: *ruleSet})
			}
		}
	}
}

func parseBundle(raw []string) (model.ExternalIDBundle, error) {
	ids := make([]model.ExternalID, 0, len(raw))
	for _, s := range raw {
		id, err := model.ParseExternalID(s)
		if err != nil {
			return model.ExternalIDBundle{}, err
		}
		ids = append(ids, id)
	}
	return model.NewBundle(ids...), nil
}

func printMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.SubscriptionResponse:
		fmt.Printf("%s corr=%d status=%s reason=%q snapshot=%v\n", m.Kind(), m.CorrelationID, m.Status, m.Reason, m.Snapshot)
	case protocol.SnapshotResponse:
		fmt.Printf("%s corr=%d status=%s reason=%q values=%v\n", m.Kind(), m.CorrelationID, m.Status, m.Reason, m.Values)
	case protocol.UpdateMessage:
		fmt.Printf("%s corr=%d fields=%v\n", m.Kind(), m.CorrelationID, m.Fields)
	default:
		fmt.Printf("%s\n", msg.Kind())
	}
}
