package display

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsejob/internal/util"
)

func TestShouldOutputJSON(t *testing.T) {
	root := &cobra.Command{Use: "pulsejob"}
	root.PersistentFlags().Bool("json", false, "")
	child := &cobra.Command{Use: "ls"}
	root.AddCommand(child)

	assert.False(t, ShouldOutputJSON(nil))
	assert.False(t, ShouldOutputJSON(child))

	require.NoError(t, root.PersistentFlags().Set("json", "true"))
	assert.True(t, ShouldOutputJSON(child))

	local := &cobra.Command{Use: "version"}
	local.Flags().Bool("json", false, "")
	root.AddCommand(local)
	require.NoError(t, local.Flags().Set("json", "false"))
	assert.False(t, ShouldOutputJSON(local), "an explicit local flag wins")
}

func TestOutputJSON(t *testing.T) {
	t.Cleanup(func() { Compact = nil })
	v := map[string]int{"retries": 3}

	Compact = util.Ptr(true)
	var buf bytes.Buffer
	require.NoError(t, OutputJSON(&buf, v))
	assert.Equal(t, "{\"retries\":3}\n", buf.String())

	Compact = util.Ptr(false)
	buf.Reset()
	require.NoError(t, OutputJSON(&buf, v))
	assert.Equal(t, "{\n  \"retries\": 3\n}\n", buf.String())
}
