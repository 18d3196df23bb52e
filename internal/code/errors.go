package code

import "errors"

var (
	// ErrBadMetadata reports malformed tables handed over by the codegen
	// backend. Never silently coerced.
	ErrBadMetadata = errors.New("code: bad metadata")

	// ErrBadLinkData reports a link descriptor whose patch sites fall
	// outside the code they describe.
	ErrBadLinkData = errors.New("code: bad link data")

	// ErrUnresolvedSymbol reports a symbolic link target that neither the
	// resolver nor the shared-stub block could supply.
	ErrUnresolvedSymbol = errors.New("code: unresolved symbolic address")

	// ErrNotExported reports a stub request for a function index with no
	// export record in the covering tier.
	ErrNotExported = errors.New("code: function is not exported")

	// ErrBadFormat reports a persisted unit that cannot be decoded.
	ErrBadFormat = errors.New("code: bad serialized format")
)
