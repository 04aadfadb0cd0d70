package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sudocode-ai/sudocode/jsonl"
	"github.com/sudocode-ai/sudocode/merge"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <base> <ours> <theirs>",
	Short: "Three-way merge JSONL entity logs (git merge driver)",
	Long: `merge resolves concurrent edits to issues.jsonl/specs.jsonl. Configure
it as a git merge driver:

    [merge "sudocode-jsonl"]
        name = sudocode JSONL merge
        driver = sudocode merge %O %A %B

and in .gitattributes:

    *.jsonl merge=sudocode-jsonl

The merged result is written over the <ours> file, matching the git merge
driver contract. Exit code 0 means merged cleanly; any error exits 1.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMerge(args[0], args[1], args[2]); err != nil {
			exitErr(err)
		}
	},
}

func runMerge(basePath, oursPath, theirsPath string) error {
	base, err := jsonl.ReadFile(basePath)
	if err != nil {
		return fmt.Errorf("reading base: %w", err)
	}
	ours, err := jsonl.ReadFile(oursPath)
	if err != nil {
		return fmt.Errorf("reading ours: %w", err)
	}
	theirs, err := jsonl.ReadFile(theirsPath)
	if err != nil {
		return fmt.Errorf("reading theirs: %w", err)
	}

	result := merge.MergeThreeWay(base, ours, theirs)
	if err := jsonl.WriteFile(oursPath, result.Entities); err != nil {
		return fmt.Errorf("writing merge result: %w", err)
	}

	for _, rename := range result.Renames {
		fmt.Fprintf(os.Stderr, "renamed %s -> %s (%s)\n",
			rename.OldID, rename.NewID, rename.Reason)
	}
	return nil
}
