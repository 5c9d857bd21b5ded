// notmuch-sync duplex-syncs two notmuch maildir stores: tags, message
// files, and (optionally) deletions and mbsync/offlineimap sidecar state.
//
// Design:
// main() parses flags and the YAML config, then runs in one of two
// roles. As initiator it spawns the responder over the configured
// transport (typically an SSH tunnel) and wires the orchestrator's duplex
// codec over the child's stdin/stdout. As responder (--responder, what
// the transport command on the remote side actually invokes) it wires the
// same codec over its own stdin/stdout and waits for the initiator to
// drive the exchange. Both roles open the same sqlitestore-backed index,
// run internal/orchestrator to completion, and append a synclog record.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/notmuch-tools/notmuch-sync/config"
	"github.com/notmuch-tools/notmuch-sync/internal/codec"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/orchestrator"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/store/sqlitestore"
	"github.com/notmuch-tools/notmuch-sync/internal/synclog"
	"github.com/notmuch-tools/notmuch-sync/internal/transport"
	"github.com/notmuch-tools/notmuch-sync/internal/version"
)

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for notmuch-sync.",
		).Default("notmuch-sync.yaml").Short('c').String()
		maildir = kingpin.Arg(
			"maildir",
			"Maildir root to sync.",
		).Required().String()
		dbPath = kingpin.Flag(
			"db",
			"Path to the sqlite index (defaults to <maildir>/.notmuch/notmuch-sync.db).",
		).String()
		responder = kingpin.Flag(
			"responder",
			"Run as the responding side, reading/writing the duplex stream on stdin/stdout (invoked by the peer's transport command).",
		).Bool()
		remotePeer = kingpin.Flag(
			"remote-peer",
			"Remote host to connect to (overrides config).",
		).String()
		user = kingpin.Flag(
			"user",
			"Identity passed to the transport (overrides config).",
		).String()
		transportCmd = kingpin.Flag(
			"transport-cmd",
			"Command template for spawning the responder (overrides config).",
		).String()
		pathOnPeer = kingpin.Flag(
			"path-on-peer",
			"Responder binary path used in the transport command (overrides config).",
		).String()
		remoteCmd = kingpin.Flag(
			"remote-cmd",
			"Fully custom spawn command, overrides transport-cmd/path-on-peer (overrides config).",
		).String()
		verbose = kingpin.Flag(
			"verbose",
			"0/1/2 - off/info/debug logging (overrides config).",
		).Short('v').Int()
		quiet = kingpin.Flag(
			"quiet",
			"Disable logging entirely, overrides verbose (overrides config).",
		).Bool()
		enableDeletion = kingpin.Flag(
			"enable-deletion",
			"Sync message deletions between peers (overrides config).",
		).Bool()
		unsafeDeletion = kingpin.Flag(
			"unsafe-deletion",
			"Delete without requiring the 'deleted' tag (overrides config).",
		).Bool()
		enableSidecar = kingpin.Flag(
			"enable-sidecar",
			"Sync .uidvalidity/.mbsyncstate sidecar files (overrides config).",
		).Bool()
		profileMode = kingpin.Flag(
			"profile",
			"Enable profiling: cpu or mem.",
		).String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("notmuch-sync")).Author("notmuch-tools")
	kingpin.CommandLine.Help = "Synchronizes tags, messages, and maildir state between two notmuch stores.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	switch *profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile).Stop()
	case "":
	default:
		fmt.Fprintf(os.Stderr, "unknown --profile value %q, want cpu or mem\n", *profileMode)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.Level = logrus.InfoLevel

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		if !*responder {
			logger.Errorf("error loading config file: %v", err)
			os.Exit(1)
		}
		cfg = &config.Config{}
	}
	cfg.ApplyFlags(remotePeer, user, transportCmd, pathOnPeer, remoteCmd, verbose, quiet, enableDeletion, unsafeDeletion, enableSidecar)

	if cfg.Quiet {
		logger.SetOutput(io.Discard)
		logger.Level = logrus.PanicLevel
	} else if cfg.Verbose >= 2 {
		logger.Level = logrus.DebugLevel
	} else if cfg.Verbose >= 1 {
		logger.Level = logrus.InfoLevel
	} else {
		logger.Level = logrus.WarnLevel
	}

	root := *maildir
	db := *dbPath
	if db == "" {
		db = root + "/.notmuch/notmuch-sync.db"
	}

	s, err := sqlitestore.Open(db, root)
	if err != nil {
		logger.Errorf("error opening store: %v", err)
		os.Exit(1)
	}
	defer s.Close()

	opts := orchestrator.Options{
		EnableDeletion: cfg.EnableDeletion,
		UnsafeDeletion: cfg.UnsafeDeletion,
		EnableSidecar:  cfg.EnableSidecar,
	}

	ctx := context.Background()
	startTime := time.Now()

	if *responder {
		logger.Debugf("notmuch-sync responder starting for %s", root)
		c := codec.New(os.Stdin, os.Stdout)
		counters, err := orchestrator.RunResponder(ctx, logger, s, c, opts)
		if err != nil {
			logger.Errorf("sync run failed: %v", err)
			appendSyncLog(logger, s, "", counters, c, startTime, "responder")
			os.Exit(1)
		}
		appendSyncLog(logger, s, "", counters, c, startTime, "responder")
		return
	}

	logger.Infof("%v", version.Print("notmuch-sync"))
	logger.Infof("starting sync of %s with %s", root, cfg.RemotePeer)

	cmdLine := cfg.RemoteCmd
	if cmdLine == "" {
		cmdLine = transport.BuildCommand(cfg.TransportCmd, cfg.RemotePeer, cfg.User, cfg.PathOnPeer)
	}
	peer, err := transport.Spawn(ctx, cmdLine)
	if err != nil {
		logger.Errorf("error spawning transport %q: %v", cmdLine, err)
		os.Exit(1)
	}

	c := codec.New(peer.Stdout, peer.Stdin)
	out, runErr := orchestrator.RunInitiator(ctx, logger, s, c, opts)

	waitErr := peer.Wait()
	if waitErr != nil {
		logger.Warnf("transport exited: %v", waitErr)
	}

	if runErr != nil {
		logger.Errorf("sync run failed: %v", runErr)
		appendSyncLog(logger, s, out.PeerUUID, out.LocalCounters, c, startTime, "initiator")
		os.Exit(1)
	}

	appendSyncLog(logger, s, out.PeerUUID, out.LocalCounters, c, startTime, "initiator")

	fmt.Fprintf(os.Stderr, "local: tag_changes=%d move_copy=%d dup_deletions=%d new_files=%d new_messages=%d message_deletions=%d\n",
		out.LocalCounters.TagChanges, out.LocalCounters.MoveCopy, out.LocalCounters.DupDeletions,
		out.LocalCounters.NewFiles, out.LocalCounters.NewMessages, out.LocalCounters.MessageDeletions)
	fmt.Fprintf(os.Stderr, "remote: tag_changes=%d move_copy=%d dup_deletions=%d new_files=%d new_messages=%d message_deletions=%d\n",
		out.RemoteCounters.TagChanges, out.RemoteCounters.MoveCopy, out.RemoteCounters.DupDeletions,
		out.RemoteCounters.NewFiles, out.RemoteCounters.NewMessages, out.RemoteCounters.MessageDeletions)
	fmt.Fprintf(os.Stderr, "bytes read=%d written=%d\n", out.BytesRead, out.BytesWritten)
}

func appendSyncLog(logger *logrus.Logger, s store.Store, peerUUID string, counters model.TransferCounters, c *codec.Codec, start time.Time, role string) {
	rev, err := s.Revision(context.Background())
	if err != nil {
		logger.Warnf("synclog: reading revision for record: %v", err)
		return
	}
	path := s.Root() + "/.notmuch/notmuch-sync.log"
	l, err := synclog.Open(path)
	if err != nil {
		logger.Warnf("synclog: opening %s: %v", path, err)
		return
	}
	defer l.Close()

	err = l.WriteRecord(synclog.Record{
		UnixTime:     start.Unix(),
		PeerUUID:     peerUUID,
		Rev:          rev.Rev,
		Counters:     counters,
		BytesRead:    c.BytesRead(),
		BytesWritten: c.BytesWritten(),
		DurationMs:   time.Since(start).Milliseconds(),
		Role:         role,
	})
	if err != nil {
		logger.Warnf("synclog: writing record: %v", err)
	}
}
