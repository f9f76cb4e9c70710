package cli

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnvVar(key, val string) func() {
	old := os.Getenv(key)
	os.Setenv(key, val)
	return func() {
		os.Setenv(key, old)
	}
}

type testDests struct {
	path    string
	lease   time.Duration
	verbose bool
}

func newTestCommand(d *testDests) *cobra.Command {
	root := NewCommand(&Program{
		Name:  "test",
		Short: "test program",
	})

	child := &cobra.Command{
		Use:  "child",
		RunE: func(*cobra.Command, []string) error { return nil },
	}
	BindOptions(child, []Opt{
		{
			DestP:   &d.path,
			Flag:    "bolt-path",
			Default: "default.bolt",
			Desc:    "path to the database",
		},
		{
			DestP:   &d.lease,
			Flag:    "lock-lease",
			Default: time.Minute,
			Desc:    "lease duration",
		},
		{
			DestP:   &d.verbose,
			Flag:    "verbose",
			Default: false,
			Desc:    "print more",
		},
	})
	root.AddCommand(child)

	return root
}

func TestBindOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var d testDests
		cmd := newTestCommand(&d)
		cmd.SetArgs([]string{"child"})
		require.NoError(t, cmd.Execute())

		assert.Equal(t, "default.bolt", d.path)
		assert.Equal(t, time.Minute, d.lease)
		assert.False(t, d.verbose)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		defer setEnvVar("TEST_BOLT_PATH", "env.bolt")()
		defer setEnvVar("TEST_LOCK_LEASE", "5m")()
		defer setEnvVar("TEST_VERBOSE", "true")()

		var d testDests
		cmd := newTestCommand(&d)
		cmd.SetArgs([]string{"child"})
		require.NoError(t, cmd.Execute())

		assert.Equal(t, "env.bolt", d.path)
		assert.Equal(t, 5*time.Minute, d.lease)
		assert.True(t, d.verbose)
	})

	t.Run("flags beat environment", func(t *testing.T) {
		defer setEnvVar("TEST_BOLT_PATH", "env.bolt")()

		var d testDests
		cmd := newTestCommand(&d)
		cmd.SetArgs([]string{"child", "--bolt-path", "flag.bolt"})
		require.NoError(t, cmd.Execute())

		assert.Equal(t, "flag.bolt", d.path)
	})
}
