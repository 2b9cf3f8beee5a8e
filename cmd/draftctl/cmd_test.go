package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/duplicate"
)

// TestCommandStructure verifies that all commands are properly registered
func TestCommandStructure(t *testing.T) {
	commands := []string{"upload", "restore", "edit", "remove", "submit", "cancel", "status"}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, cmd)
			assert.NotEmpty(t, cmd.Use)
			assert.NotEmpty(t, cmd.Short)
			assert.NotNil(t, cmd.RunE)
		})
	}
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "draftctl", rootCmd.Use)
	assert.NotNil(t, rootCmd.PersistentPreRunE)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("api"))
}

func TestEditFlags(t *testing.T) {
	for _, name := range []string{
		"clinic", "patient", "tooth", "implant-manufacturer", "implant-system",
		"implant-type", "max-diameter", "connection-diameter", "work-type",
		"shipping", "ship-date",
	} {
		assert.NotNil(t, editCmd.Flags().Lookup(name), name)
	}
}

func candidate(fileKey, caseID string) duplicate.Candidate {
	return duplicate.Candidate{Item: duplicate.Item{FileKey: fileKey, CaseID: caseID}}
}

func TestChoices(t *testing.T) {
	t.Cleanup(func() { onDuplicate, resolveArgs = "", nil })
	cands := []duplicate.Candidate{candidate("a.stl:10", ""), candidate("", "case-2")}

	t.Run("none", func(t *testing.T) {
		onDuplicate, resolveArgs = "", nil
		got, err := choices(cands)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("on-duplicate applies to every candidate", func(t *testing.T) {
		onDuplicate, resolveArgs = "remake", nil
		got, err := choices(cands)
		require.NoError(t, err)
		assert.Equal(t, map[string]draftapi.Strategy{
			"a.stl:10": draftapi.StrategyRemake,
			"case-2":   draftapi.StrategyRemake,
		}, got)
	})

	t.Run("resolve overrides on-duplicate", func(t *testing.T) {
		onDuplicate, resolveArgs = "skip", []string{"case-2=replace"}
		got, err := choices(cands)
		require.NoError(t, err)
		assert.Equal(t, draftapi.StrategySkip, got["a.stl:10"])
		assert.Equal(t, draftapi.StrategyReplace, got["case-2"])
	})

	t.Run("invalid", func(t *testing.T) {
		for _, tc := range []struct{ on, resolve string }{
			{on: "merge"},
			{resolve: "case-2"},
			{resolve: "=skip"},
			{resolve: "case-2=keep"},
		} {
			onDuplicate, resolveArgs = tc.on, nil
			if tc.resolve != "" {
				resolveArgs = []string{tc.resolve}
			}
			_, err := choices(cands)
			assert.Error(t, err, "%+v", tc)
		}
	})
}
