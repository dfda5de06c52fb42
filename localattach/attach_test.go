package localattach_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"usbipd/internal/errs"
	"usbipd/localattach"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewAttachFuncReturnsUsableClosure(t *testing.T) {
	attach := localattach.NewAttachFunc(discardLogger(), false)
	require := assert.New(t)
	require.NotNil(attach)

	// Without the usbip tooling installed (the common case on a CI/build
	// host), the attach attempt fails but must surface a tagged errs.Error
	// rather than panic or hang.
	err := attach(context.Background(), "1-1", 3240)
	if err != nil {
		var tagged *errs.Error
		if require.True(errors.As(err, &tagged), "attach error must be a tagged errs.Error") {
			require.Equal(errs.KindAttach, tagged.Kind)
		}
	}
}

func TestNewAttachFuncAcceptsNilLogger(t *testing.T) {
	attach := localattach.NewAttachFunc(nil, false)
	assert.NotNil(t, attach)
}

func TestCheckPrerequisitesDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		localattach.CheckPrerequisites(false, discardLogger())
	})
}
