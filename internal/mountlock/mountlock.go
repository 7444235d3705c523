package mountlock

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

const seqNoPrefix = "s3ql_seq_no_"

// cleanMarkerKey records the seq_no of the last mount that shut down
// cleanly. It shares the seq_no_ prefix so both live at the
// well-known backend root, but its non-numeric suffix keeps it out of
// highestSeqNo/AllSeqNos' Atoi-based parsing.
const cleanMarkerKey = seqNoPrefix + "clean"

// DefaultConsistencyWindow is how long Acquire waits between writing
// its marker and listing again, giving an eventually-consistent
// backend time to surface any concurrent writer's marker.
const DefaultConsistencyWindow = 3 * time.Second

// Acquire runs the list -> write N+1 -> wait -> list again ->
// abort-if-higher dance against backend, returning the sequence
// number this mount claimed. window overrides DefaultConsistencyWindow
// when non-zero, mainly so tests don't have to sleep for real.
func Acquire(ctx context.Context, backend types.Backend, window time.Duration) (int, error) {
	if window == 0 {
		window = DefaultConsistencyWindow
	}

	highest, err := highestSeqNo(ctx, backend)
	if err != nil {
		return 0, err
	}
	mine := highest + 1

	if err := backend.Put(ctx, seqNoKey(mine), strings.NewReader(""), nil); err != nil {
		return 0, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "mountlock", "Acquire", err)
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	afterHighest, err := highestSeqNo(ctx, backend)
	if err != nil {
		return 0, err
	}
	if afterHighest > mine {
		return 0, s3errors.New(s3errors.ErrCodeAlreadyMounted, "mountlock", "Acquire",
			fmt.Sprintf("another mount claimed seq_no %d after this mount claimed %d", afterHighest, mine))
	}

	return mine, nil
}

// Release removes this mount's sequence marker, leaving only the
// history of prior mounts for diagnostic purposes. Unlike a clean
// unmount, it does not by itself signal that metadata is consistent -
// that is MarkClean's job.
func Release(ctx context.Context, backend types.Backend, seqNo int) error {
	if err := backend.Delete(ctx, seqNoKey(seqNo)); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "mountlock", "Release", err)
	}
	return nil
}

func highestSeqNo(ctx context.Context, backend types.Backend) (int, error) {
	keys, errc := backend.List(ctx, seqNoPrefix)
	highest := 0
	for k := range keys {
		n, err := strconv.Atoi(strings.TrimPrefix(k, seqNoPrefix))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	if err := <-errc; err != nil {
		return 0, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "mountlock", "highestSeqNo", err)
	}
	return highest, nil
}

// MarkClean records seqNo as the last mount to shut down cleanly.
// Callers write this during a clean Shutdown, after Release, so that
// the next mount's CheckClean can tell a merely-stale marker (this
// mount's own, about to be superseded) from one left behind by a
// crash.
func MarkClean(ctx context.Context, backend types.Backend, seqNo int) error {
	if err := backend.Put(ctx, cleanMarkerKey, strings.NewReader(strconv.Itoa(seqNo)), nil); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "mountlock", "MarkClean", err)
	}
	return nil
}

// CheckClean returns ErrCodeNotClean if the backend's highest claimed
// seq_no is ahead of the seq_no last recorded by MarkClean - meaning
// some mount claimed a marker and never lived to release it and record
// a clean shutdown, i.e. it crashed (§4.8's "seq_no gap"). A fresh
// filesystem with no seq_no markers at all is clean by definition.
func CheckClean(ctx context.Context, backend types.Backend) error {
	highest, err := highestSeqNo(ctx, backend)
	if err != nil {
		return err
	}
	if highest == 0 {
		return nil
	}

	rc, err := backend.Get(ctx, cleanMarkerKey)
	if err != nil {
		return s3errors.New(s3errors.ErrCodeNotClean, "mountlock", "CheckClean",
			"seq_no markers exist but no clean-shutdown record was found")
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "mountlock", "CheckClean", err)
	}
	lastClean, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return s3errors.New(s3errors.ErrCodeNotClean, "mountlock", "CheckClean", "clean-shutdown record unparsable")
	}
	if highest > lastClean {
		return s3errors.New(s3errors.ErrCodeNotClean, "mountlock", "CheckClean",
			fmt.Sprintf("seq_no %d claimed but last clean shutdown was %d", highest, lastClean))
	}
	return nil
}

func seqNoKey(n int) string {
	return fmt.Sprintf("%s%d", seqNoPrefix, n)
}

// AllSeqNos returns every recorded sequence number in ascending order.
func AllSeqNos(ctx context.Context, backend types.Backend) ([]int, error) {
	keys, errc := backend.List(ctx, seqNoPrefix)
	var nos []int
	for k := range keys {
		n, err := strconv.Atoi(strings.TrimPrefix(k, seqNoPrefix))
		if err != nil {
			continue
		}
		nos = append(nos, n)
	}
	if err := <-errc; err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "mountlock", "AllSeqNos", err)
	}
	sort.Ints(nos)
	return nos, nil
}
