package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/reploid-ai/rdrr/format"
	"github.com/reploid-ai/rdrr/fs/rdrr"
)

func cmdVerify() *cobra.Command {
	return &cobra.Command{
		Use:   "verify DIR",
		Short: "Re-hash every shard in a converted model against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  verifyHandler,
	}
}

func verifyHandler(cmd *cobra.Command, args []string) error {
	manifest, err := rdrr.ReadManifest(args[0])
	if err != nil {
		return err
	}

	return verifyShards(cmd.OutOrStdout(), args[0], manifest)
}

func verifyShards(out io.Writer, dir string, manifest *rdrr.Manifest) error {
	var bad int
	for _, shard := range manifest.Shards {
		path := filepath.Join(dir, shard.FileName)

		fi, err := os.Stat(path)
		if err != nil {
			bad++
			fmt.Fprintf(out, "%s: missing\n", shard.FileName)
			continue
		}
		if fi.Size() != shard.Size {
			bad++
			fmt.Fprintf(out, "%s: size mismatch: manifest %d, on disk %d\n", shard.FileName, shard.Size, fi.Size())
			continue
		}

		sum, err := rdrr.HashFile(path, shard.HashAlgorithm)
		if err != nil {
			return err
		}
		if sum != shard.Hash {
			bad++
			fmt.Fprintf(out, "%s: hash mismatch: manifest %s, computed %s\n", shard.FileName, shard.Hash, sum)
			continue
		}

		fmt.Fprintf(out, "%s: ok\n", shard.FileName)
	}

	if bad > 0 {
		return fmt.Errorf("%d of %d shards failed verification", bad, len(manifest.Shards))
	}

	fmt.Fprintf(out, "verified %d shards (%s)\n", len(manifest.Shards), format.HumanBytes(manifest.TotalSize))
	return nil
}
