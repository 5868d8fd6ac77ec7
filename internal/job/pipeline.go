package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

// ErrTransferFailed is returned when either side of the send/receive
// pipeline exits non-zero. The peer process has already been killed and the
// recovery sequence has run by the time this is returned.
var ErrTransferFailed = errors.New("snapshot transfer failed")

// transferSnapshot runs the full transactional transfer: scratch snapshot,
// pipeline, and atomic promotion on both sides. After any failure, no side
// is left holding a scratch subvolume, and a final snapshot exists on the
// destination only if it also exists on the source.
func (j *Job) transferSnapshot(ctx context.Context, newName string) error {
	src, dst := j.Source, j.Dest

	tempName := src.CreateTempName()
	srcTempPath, err := src.CreateSnapshot(ctx, tempName)
	if err != nil {
		return err
	}
	// The receiver names the arriving subvolume after the sent one, so the
	// destination-side scratch path is fixed by the source temp name.
	dstTempPath := path.Join(strings.TrimSuffix(dst.ContainerPath(), "/"), tempName)

	// A parent for an incremental send is only usable when both heads
	// denote the same instant; anything else gets a full transfer rather
	// than a stream the destination cannot apply.
	var parentPath string
	if len(src.Snapshots) > 0 {
		head := src.Snapshots[0]
		switch {
		case len(dst.Snapshots) == 0:
			j.logger.Warn("destination has no snapshots, performing full transfer")
		case dst.Snapshots[0].Name.Equal(head.Name):
			parentPath = src.SnapshotPath(head.Name.String())
		default:
			j.logger.Warn("newest snapshots do not match, performing full transfer",
				zap.Stringer("source", head.Name),
				zap.Stringer("destination", dst.Snapshots[0].Name))
		}
	}

	sendCmd := "btrfs send "
	if parentPath != "" {
		sendCmd += fmt.Sprintf("-p %s ", shellquote.Join(parentPath))
	}
	sendCmd += shellquote.Join(srcTempPath)
	if src.Compress {
		sendCmd += " | lzop -1"
	}

	recvCmd := fmt.Sprintf("btrfs receive %s", shellquote.Join(strings.TrimSuffix(dst.ContainerPath(), "/")))
	if src.Compress {
		recvCmd = "lzop -d | " + recvCmd
	}

	j.logger.Info("transferring snapshot")
	if err := j.runPipeline(ctx, sendCmd, recvCmd); err != nil {
		j.recover(ctx,
			func(rctx context.Context) error { return src.RemoveSubvolume(rctx, srcTempPath) },
			func(rctx context.Context) error { return dst.RemoveSubvolume(rctx, dstTempPath) },
		)
		return err
	}

	// Promotion. Source first: a source-only final snapshot is recoverable
	// (the next run transfers or retains it), a destination-only one is not.
	finalSrcPath := src.SnapshotPath(newName)
	if err := src.MoveFile(ctx, srcTempPath, finalSrcPath); err != nil {
		j.recover(ctx,
			func(rctx context.Context) error { return src.RemoveSubvolume(rctx, srcTempPath) },
			func(rctx context.Context) error { return dst.RemoveSubvolume(rctx, dstTempPath) },
		)
		return err
	}

	finalDstPath := path.Join(strings.TrimSuffix(dst.ContainerPath(), "/"), newName)
	if err := dst.MoveFile(ctx, dstTempPath, finalDstPath); err != nil {
		j.recover(ctx,
			func(rctx context.Context) error { return src.RemoveSubvolume(rctx, finalSrcPath) },
			func(rctx context.Context) error { return dst.RemoveSubvolume(rctx, dstTempPath) },
		)
		return err
	}

	return nil
}

// recover runs best-effort cleanup steps on a context that survives
// cancellation; failures are logged at warn level and never escalate.
func (j *Job) recover(ctx context.Context, steps ...func(context.Context) error) {
	rctx := context.WithoutCancel(ctx)
	var errs error
	for _, step := range steps {
		errs = multierr.Append(errs, step(rctx))
	}
	for _, err := range multierr.Errors(errs) {
		j.logger.Warn("recovery step failed", zap.Error(err))
	}
}

// runPipeline spawns the send and receive shell lines on their respective
// endpoints and wires send stdout into receive stdin, through pv when one
// is installed locally, or otherwise through an in-process byte meter when
// ShowProgress is set.
// The first child to exit non-zero gets its peer killed; both exit codes
// must be zero for the transfer to count.
func (j *Job) runPipeline(ctx context.Context, sendCmd, recvCmd string) error {
	localhost := shell.URL{Path: "/"}

	sendProc, err := j.transport.Start(ctx, j.Source.URL, sendCmd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	recvProc, err := j.transport.Start(ctx, j.Dest.URL, recvCmd)
	if err != nil {
		sendProc.Kill()
		_ = sendProc.Wait()
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	stream := sendProc.Stdout()

	// Optional progress meter between the two ends, running locally where
	// the supervisor can see the byte flow regardless of which side is
	// remote.
	var pvProc shell.Process
	if shell.Exists(ctx, j.transport, localhost, "pv") {
		pvProc, err = j.transport.Start(ctx, localhost, "pv")
		if err == nil {
			sendOut := stream
			go func() {
				_, _ = io.Copy(pvProc.Stdin(), sendOut)
				_ = pvProc.Stdin().Close()
			}()
			stream = pvProc.Stdout()
		}
	} else if j.ShowProgress {
		bar := progressbar.DefaultBytes(-1, "transferring")
		stream = io.TeeReader(stream, bar)
		defer func() { _ = bar.Close() }()
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(recvProc.Stdin(), stream)
		_ = recvProc.Stdin().Close()
		copyDone <- err
	}()

	type exit struct {
		side string
		err  error
	}
	exits := make(chan exit, 2)
	go func() { exits <- exit{"send", sendProc.Wait()} }()
	go func() { exits <- exit{"receive", recvProc.Wait()} }()

	var sendErr, recvErr error
	first := <-exits
	if first.err != nil {
		// Kill the peer as soon as either side fails.
		if first.side == "send" {
			recvProc.Kill()
		} else {
			sendProc.Kill()
		}
	}
	second := <-exits

	for _, e := range []exit{first, second} {
		if e.side == "send" {
			sendErr = e.err
		} else {
			recvErr = e.err
		}
	}

	<-copyDone
	if pvProc != nil {
		pvProc.Kill()
		_ = pvProc.Wait()
	}

	if sendErr != nil || recvErr != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, multierr.Combine(sendErr, recvErr))
	}
	return nil
}
