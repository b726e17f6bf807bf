package restack

import (
	goerrors "errors"

	"github.com/pkg/errors"
)

// Failure kinds for metadata loading and stack rewriting. The rewriter is
// all-or-nothing: the first failure aborts the rewrite, the destination
// stack half is considered garbage and the source thread keeps running on
// the source architecture.
var (
	ErrBadArgument        = goerrors.New("bad argument")
	ErrBadBinary          = goerrors.New("bad binary")
	ErrNoCallSite         = goerrors.New("no call site for address")
	ErrIDMissing          = goerrors.New("call site ID missing in sibling binary")
	ErrLiveCountMismatch  = goerrors.New("live value count mismatch")
	ErrUnknownRegister    = goerrors.New("unknown register")
	ErrUnknownValueKind   = goerrors.New("unknown live value location kind")
	ErrUnknownInstruction = goerrors.New("unknown instruction")
	ErrDanglingFixup      = goerrors.New("unresolved pointer fixup")
	ErrSrcOverflow        = goerrors.New("source stack cursor walked past base")
	ErrDestOverflow       = goerrors.New("destination stack overflow")
)

// wrapf annotates err with context, preserving the sentinel for errors.Is
func wrapf(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}
