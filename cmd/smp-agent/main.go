package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/simplexmq/simplexmq/agent/config"
	"github.com/simplexmq/simplexmq/agent/session"
	"github.com/simplexmq/simplexmq/agent/store"
	"github.com/simplexmq/simplexmq/core/log"
	"github.com/simplexmq/simplexmq/smp/wire"
)

type cliConfig struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "smp-agent",
		Short: "SMP duplex-connection agent",
		Long: `smp-agent turns a pair of one-way SMP queues into a durable, ordered
duplex connection: it runs the confirmation/HELLO handshake, delivers
application messages in order, and keeps a local record of every
connection it knows about.`,
	}
	cmd.PersistentFlags().StringVarP(&cfg.configFile, "config", "f", "smp-agent.toml",
		"path to the agent configuration file (TOML format)")

	cmd.AddCommand(
		newInitCommand(&cfg),
		newRunCommand(&cfg),
		newNewConnectionCommand(&cfg),
		newAcceptCommand(&cfg),
		newSendCommand(&cfg),
		newInboxCommand(&cfg),
		newListCommand(&cfg),
	)
	return cmd
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			reportPanic(r)
			os.Exit(2)
		}
	}()
	if err := fang.Execute(context.Background(), newRootCommand(), fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}

// reportPanic logs a recovered panic through the ambient logging
// backend before main exits with status 2, rather than letting it
// fall through to Go's raw unstructured stack-trace dump.
func reportPanic(r interface{}) {
	backend, err := log.New("", "CRITICAL", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
		return
	}
	backend.GetLogger("main").Critical("panic: %v\n%s", r, debug.Stack())
}

// openAll loads the agent configuration, store, and a Manager backed
// by them; every subcommand but `init` needs all three.
func openAll(cfg *cliConfig) (*config.Config, *store.Store, *session.Manager, error) {
	acfg, err := config.LoadFile(cfg.configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	backend, err := log.New(acfg.Logging.File, acfg.Logging.Level, acfg.Logging.Disable)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logging: %w", err)
	}
	st, err := store.Open(acfg.Agent.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger := backend.GetLogger("agent")
	mgr := session.NewManager(st, logger, acfg.Agent.Insecure, func(alias string, ev session.Event) {
		switch ev.Kind {
		case session.EventConnected:
			fmt.Fprintf(os.Stdout, "%s: connected\n", alias)
		case session.EventMessage:
			if ev.Err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", alias, ev.Err)
			}
			if ev.Body != nil {
				fmt.Fprintf(os.Stdout, "%s: new message (id %d)\n", alias, ev.AgentMsgID)
			}
		case session.EventDisabled:
			fmt.Fprintf(os.Stderr, "%s: disabled: %v\n", alias, ev.Err)
		}
	})
	return acfg, st, mgr, nil
}

func newInitCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create the local connection store",
		RunE: func(cmd *cobra.Command, args []string) error {
			acfg, err := config.LoadFile(cfg.configFile)
			if err != nil {
				return err
			}
			st, err := store.Open(acfg.Agent.DataDir)
			if err != nil {
				return err
			}
			return st.Close()
		},
	}
}

func newRunCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "resume all known connections and stay attached for pushes",
		Long: `run re-subscribes every recv queue the store knows about and blocks,
so this process can receive confirmations, HELLOs, and application
messages as they are pushed by the broker. Use new-connection/accept/
send from a second invocation while a run is active.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, mgr, err := openAll(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer mgr.Close()
			if err := mgr.Resume(); err != nil {
				return fmt.Errorf("resume: %w", err)
			}

			haltCh := make(chan os.Signal, 1)
			signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
			<-haltCh
			return nil
		},
	}
}

func newNewConnectionCommand(cfg *cliConfig) *cobra.Command {
	var alias, serverAddr string
	var manualAck bool

	cmd := &cobra.Command{
		Use:   "new-connection",
		Short: "start a connection and print the invitation for the other party",
		RunE: func(cmd *cobra.Command, args []string) error {
			acfg, st, mgr, err := openAll(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer mgr.Close()

			if serverAddr == "" {
				serverAddr = acfg.Agent.DefaultServer
			}
			if serverAddr == "" {
				return fmt.Errorf("no server given and no Agent.DefaultServer configured")
			}
			addr, err := wire.ParseServerAddress(serverAddr)
			if err != nil {
				return fmt.Errorf("parse server address: %w", err)
			}
			if alias == "" {
				alias = uuid.NewString()
			}
			ackMode := session.AckAuto
			if manualAck {
				ackMode = session.AckManual
			}

			info, err := mgr.CreateInvitation(alias, addr, ackMode)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alias: %s\ninvitation: %s\n", alias, info.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "connection alias (default: a generated uuid)")
	cmd.Flags().StringVar(&serverAddr, "server", "", "SMP server address (smp://key_hash@host:port)")
	cmd.Flags().BoolVar(&manualAck, "manual-ack", false, "require explicit `inbox --ack` for incoming messages")
	return cmd
}

func newAcceptCommand(cfg *cliConfig) *cobra.Command {
	var alias, replyServerAddr string
	var noReply, manualAck bool

	cmd := &cobra.Command{
		Use:   "accept <invitation>",
		Short: "join a connection from an invitation printed by new-connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acfg, st, mgr, err := openAll(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer mgr.Close()

			info, err := wire.ParseQueueInfo(args[0])
			if err != nil {
				return fmt.Errorf("parse invitation: %w", err)
			}
			if alias == "" {
				alias = uuid.NewString()
			}
			ackMode := session.AckAuto
			if manualAck {
				ackMode = session.AckManual
			}
			mode := session.ReplyMode{Enabled: *acfg.Agent.DefaultReplyMode}
			if cmd.Flags().Changed("no-reply") {
				mode.Enabled = !noReply
			}
			if replyServerAddr != "" {
				addr, err := wire.ParseServerAddress(replyServerAddr)
				if err != nil {
					return fmt.Errorf("parse reply server address: %w", err)
				}
				mode.Server = &addr
				mode.Enabled = !noReply
			}

			if err := mgr.JoinConnection(alias, info, mode, ackMode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alias: %s\n", alias)
			return nil
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "connection alias (default: a generated uuid)")
	cmd.Flags().StringVar(&replyServerAddr, "reply-server", "", "server for the reverse-direction queue (default: same as the invitation)")
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "don't provision a reverse-direction queue (one-way connection)")
	cmd.Flags().BoolVar(&manualAck, "manual-ack", false, "require explicit `inbox --ack` for incoming messages")
	return cmd
}

func newSendCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <alias> <text>",
		Short: "send an application message on an active connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, mgr, err := openAll(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer mgr.Close()

			id, err := mgr.SendMessage(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent message %d\n", id)
			return nil
		},
	}
	return cmd
}

func newInboxCommand(cfg *cliConfig) *cobra.Command {
	var alias string
	var ackID int64

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "list undelivered messages, or ack one with --ack",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, mgr, err := openAll(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer mgr.Close()

			if ackID != 0 {
				if alias == "" {
					return fmt.Errorf("--ack requires --alias")
				}
				return mgr.AckMessage(alias, ackID)
			}
			if alias == "" {
				return fmt.Errorf("--alias is required")
			}
			msgs, err := st.UndeliveredMessages(alias)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d\t%s\n", m.ID, m.AgentMsgID, m.Body)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "connection alias")
	cmd.Flags().Int64Var(&ackID, "ack", 0, "acknowledge the message with this store id")
	return cmd
}

func newListCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list known connections and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, mgr, err := openAll(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer mgr.Close()

			conns, err := st.ListConnections()
			if err != nil {
				return err
			}
			for _, c := range conns {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.Alias, c.Status)
			}
			return nil
		},
	}
}
