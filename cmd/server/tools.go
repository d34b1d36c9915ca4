package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"layersync/server/internal/dump"
	"layersync/server/internal/recording"
)

var (
	dumpInterval    time.Duration
	dumpVerbose     bool
	recordingFormat string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Inspect client debug dumps",
}

var dumpPlayCmd = &cobra.Command{
	Use:   "play <file>",
	Short: "Replay a debug dump and check it for divergence",
	Long: `Replay a client debug dump through a fresh fork engine. Every step is
compared with what the client recorded; the first difference is reported
and the command fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runDumpPlay,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Work with session recordings",
}

var recordConvertCmd = &cobra.Command{
	Use:   "convert <in> <out>",
	Short: "Convert a recording between the binary and text formats",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordConvert,
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.AddCommand(dumpPlayCmd)
	dumpPlayCmd.Flags().DurationVar(&dumpInterval, "interval", 0, "delay between entries")
	dumpPlayCmd.Flags().BoolVarP(&dumpVerbose, "verbose", "v", false, "print every entry")

	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordConvertCmd)
	recordConvertCmd.Flags().StringVarP(&recordingFormat, "format", "f", "text", "output format: binary or text")
}

func runDumpPlay(cmd *cobra.Command, args []string) error {
	player, err := dump.Open(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	h := player.Header()
	fmt.Fprintf(out, "dump user=%d base=%d entries=%d\n", h.User, h.Base.At, player.Len())

	err = player.Play(cmd.Context(), dumpInterval, func(idx int, e dump.Entry) {
		if dumpVerbose {
			fmt.Fprintf(out, "%5d %s\n", idx, e)
		}
	})
	var div *dump.Divergence
	if errors.As(err, &div) {
		fmt.Fprintf(out, "diverged at entry %d (%s): %s want %s got %s\n", div.Index, div.Entry.Type, div.Field, div.Want, div.Got)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "replayed %d entries fingerprint=%016x\n", player.Position(), player.Engine().View().Fingerprint())
	return nil
}

func runRecordConvert(cmd *cobra.Command, args []string) error {
	format, err := recording.ParseFormat(recordingFormat)
	if err != nil {
		return err
	}
	in, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer in.Close()
	src, err := recording.NewReader(in)
	if err != nil {
		return err
	}
	dst, err := recording.Create(args[1], format)
	if err != nil {
		return err
	}
	n, err := recording.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("convert recording: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "converted %d records to %s\n", n, args[1])
	return nil
}
