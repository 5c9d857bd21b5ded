// Package orchestrator sequences the synchronization core's phases under
// the two role variants, initiator and responder (spec.md §4.11, §5):
// Init -> UuidExchange -> ChangeSetExchange -> TagMerge -> Reconcile ->
// FileTransfer -> Checkpoint -> (Deletion?) -> (Sidecar?) ->
// CountersExchange -> Done.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/notmuch-tools/notmuch-sync/internal/changeset"
	"github.com/notmuch-tools/notmuch-sync/internal/codec"
	"github.com/notmuch-tools/notmuch-sync/internal/deletion"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/reconcile"
	"github.com/notmuch-tools/notmuch-sync/internal/sidecar"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/syncstate"
	"github.com/notmuch-tools/notmuch-sync/internal/tagmerge"
	"github.com/notmuch-tools/notmuch-sync/internal/transfer"
	"github.com/sirupsen/logrus"
)

// Options selects the optional phases and the role-dependent behaviors
// spec.md §4.6/§4.9 call out.
type Options struct {
	EnableDeletion bool
	UnsafeDeletion bool // when true, skip the require-deleted-tag safety check (spec.md §4.9, §9 open question)
	EnableSidecar  bool
}

// Outcome is what the caller needs after a run: the combined counters for
// the end-of-run summary (spec.md §6.5) and the UUID exchanged with the
// peer (for SyncStateFile's bookmark, spec.md §6.3).
type Outcome struct {
	LocalCounters  model.TransferCounters
	RemoteCounters model.TransferCounters
	PeerUUID       string
	BytesRead      uint64
	BytesWritten   uint64
}

// RunInitiator drives one full sync run as the initiating side: the side
// that spawned the peer process and owns printing the final summary.
func RunInitiator(ctx context.Context, logger *logrus.Logger, s store.Store, c *codec.Codec, opts Options) (Outcome, error) {
	var out Outcome

	localRev, err := s.Revision(ctx)
	if err != nil {
		return out, fmt.Errorf("orchestrator: Revision: %w", err)
	}

	peerUUID, err := exchangeUUID(c, localRev.UUID)
	if err != nil {
		return out, err
	}
	out.PeerUUID = peerUUID
	logger.Debugf("orchestrator: uuid exchange complete, peer=%s", peerUUID)

	priorState, havePrior, err := syncstate.Load(s.Root(), peerUUID)
	if err != nil {
		return out, fmt.Errorf("orchestrator: loading sync state: %w", err)
	}

	local, err := changeset.BuildFromBookmark(ctx, logger, s, priorState, havePrior)
	if err != nil {
		return out, err
	}

	remote, err := exchangeChangeSets(c, local)
	if err != nil {
		return out, err
	}
	logger.Infof("orchestrator: local changeset %d messages, remote changeset %d messages", len(local), len(remote))

	var counters model.TransferCounters

	tagChanges, err := tagmerge.Apply(ctx, logger, s, local, remote)
	if err != nil {
		return out, err
	}
	counters.TagChanges = tagChanges

	recResult, err := reconcile.Reconcile(ctx, logger, s, local, remote, true)
	if err != nil {
		return out, err
	}
	counters.MoveCopy = recResult.MoveCopy
	counters.DupDeletions = recResult.DupDeletions

	peerWants, err := transfer.ExchangeNames(c, recResult.Fetch)
	if err != nil {
		return out, err
	}
	xferResult, err := transfer.ExchangeBodies(ctx, logger, s, c, peerWants, recResult.Fetch, remote)
	if err != nil {
		return out, err
	}
	counters.NewFiles = xferResult.NewFiles
	counters.NewMessages = xferResult.NewMessages

	if err := checkpoint(ctx, s, peerUUID); err != nil {
		return out, err
	}

	if opts.EnableDeletion {
		delResult, err := deletion.RunInitiator(ctx, logger, s, c, !opts.UnsafeDeletion)
		if err != nil {
			return out, err
		}
		counters.MessageDeletions = delResult.MessageDeletions
	}

	if opts.EnableSidecar {
		if _, err := sidecar.RunInitiator(ctx, logger, s.Root(), c); err != nil {
			return out, err
		}
	}

	remoteCounters, err := receiveCounters(c)
	if err != nil {
		return out, err
	}

	out.LocalCounters = counters
	out.RemoteCounters = remoteCounters
	out.BytesRead = c.BytesRead()
	out.BytesWritten = c.BytesWritten()
	return out, nil
}

// RunResponder drives one full sync run as the responding side: the side
// spawned by the initiator, reading stdin and writing stdout (or
// whatever the transport wired up). At the end it sends its own
// counters so the initiator can print a combined summary.
func RunResponder(ctx context.Context, logger *logrus.Logger, s store.Store, c *codec.Codec, opts Options) (model.TransferCounters, error) {
	var counters model.TransferCounters

	localRev, err := s.Revision(ctx)
	if err != nil {
		return counters, fmt.Errorf("orchestrator: Revision: %w", err)
	}

	peerUUID, err := exchangeUUID(c, localRev.UUID)
	if err != nil {
		return counters, err
	}

	priorState, havePrior, err := syncstate.Load(s.Root(), peerUUID)
	if err != nil {
		return counters, fmt.Errorf("orchestrator: loading sync state: %w", err)
	}

	local, err := changeset.BuildFromBookmark(ctx, logger, s, priorState, havePrior)
	if err != nil {
		return counters, err
	}

	remote, err := exchangeChangeSets(c, local)
	if err != nil {
		return counters, err
	}

	tagChanges, err := tagmerge.Apply(ctx, logger, s, local, remote)
	if err != nil {
		return counters, err
	}
	counters.TagChanges = tagChanges

	recResult, err := reconcile.Reconcile(ctx, logger, s, local, remote, false)
	if err != nil {
		return counters, err
	}
	counters.MoveCopy = recResult.MoveCopy
	counters.DupDeletions = recResult.DupDeletions

	peerWants, err := transfer.ExchangeNames(c, recResult.Fetch)
	if err != nil {
		return counters, err
	}
	xferResult, err := transfer.ExchangeBodies(ctx, logger, s, c, peerWants, recResult.Fetch, remote)
	if err != nil {
		return counters, err
	}
	counters.NewFiles = xferResult.NewFiles
	counters.NewMessages = xferResult.NewMessages

	if err := checkpoint(ctx, s, peerUUID); err != nil {
		return counters, err
	}

	if opts.EnableDeletion {
		delResult, err := deletion.RunResponder(ctx, logger, s, c, !opts.UnsafeDeletion)
		if err != nil {
			return counters, err
		}
		counters.MessageDeletions = delResult.MessageDeletions
	}

	if opts.EnableSidecar {
		if _, err := sidecar.RunResponder(ctx, logger, s.Root(), c); err != nil {
			return counters, err
		}
	}

	if err := sendCounters(c, counters); err != nil {
		return counters, err
	}
	return counters, nil
}

// exchangeUUID performs the concurrent raw-36-byte handshake of spec.md
// §6.2 message 1.
func exchangeUUID(c *codec.Codec, localUUID string) (string, error) {
	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- c.WriteUUID(localUUID) }()

	peerUUID, recvErr := c.ReadUUID()
	sendErr := <-sendErrCh
	if sendErr != nil {
		return "", fmt.Errorf("orchestrator: sending uuid: %w", sendErr)
	}
	if recvErr != nil {
		return "", fmt.Errorf("orchestrator: receiving uuid: %w", recvErr)
	}
	return peerUUID, nil
}

// exchangeChangeSets performs the concurrent changeset handshake of
// spec.md §6.2 message 2.
func exchangeChangeSets(c *codec.Codec, local model.ChangeSet) (model.ChangeSet, error) {
	localJSON, err := changeset.MarshalJSON(local)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal local changeset: %w", err)
	}

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- c.WriteFramed(localJSON) }()

	remoteJSON, recvErr := c.ReadFramed()
	sendErr := <-sendErrCh
	if sendErr != nil {
		return nil, fmt.Errorf("orchestrator: sending changeset: %w", sendErr)
	}
	if recvErr != nil {
		return nil, fmt.Errorf("orchestrator: receiving changeset: %w", recvErr)
	}

	remote, err := changeset.UnmarshalJSON(remoteJSON)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: unmarshal remote changeset: %w", err)
	}
	return remote, nil
}

// checkpoint rewrites the SyncStateFile with the Store's own current
// revision and uuid (re-read since tag/file mutations advanced it), per
// spec.md §4.8. peerUUID only selects which peer's bookmark file to
// write; the uuid compared against on the next run must be this
// Store's own, not the peer's, so ChangeSetBuilder can detect a local
// rebuild (spec.md §4.4).
func checkpoint(ctx context.Context, s store.Store, peerUUID string) error {
	rev, err := s.Revision(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: Revision for checkpoint: %w", err)
	}
	state := model.SyncState{Rev: rev.Rev, UUID: rev.UUID}
	if err := syncstate.Save(s.Root(), peerUUID, state); err != nil {
		return fmt.Errorf("orchestrator: checkpoint: %w", err)
	}
	return nil
}

// sendCounters writes the responder's six u32 counters (spec.md §6.2
// message 7).
func sendCounters(c *codec.Codec, counters model.TransferCounters) error {
	for _, v := range counters.ToWire() {
		if err := c.WriteUint32(v); err != nil {
			return fmt.Errorf("orchestrator: sending counters: %w", err)
		}
	}
	return nil
}

// receiveCounters reads the responder's six u32 counters.
func receiveCounters(c *codec.Codec) (model.TransferCounters, error) {
	var wire [6]uint32
	for i := range wire {
		v, err := c.ReadUint32()
		if err != nil {
			return model.TransferCounters{}, fmt.Errorf("orchestrator: receiving counters: %w", err)
		}
		wire[i] = v
	}
	return model.FromWire(wire), nil
}
