// Command aiqctl is a thin CLI harness over the synchronization engine: it
// opens or resumes a session, drives a sync cycle, and reports queue and
// document state. It is not the product surface the engine is designed for
// (host applications embed the packages directly); it is the runnable
// entrypoint shipped alongside the library code for manual testing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "aiqctl",
		Short: "Offline-first document sync engine CLI",
	}

	root.PersistentFlags().String("base-url", "", "backend base URL (overrides AIQ_BACKEND_BASE_URL)")
	root.PersistentFlags().String("store", "", "bbolt store path (overrides AIQ_STORE_PATH)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error, verbose")
	_ = v.BindPFlag("backend.base_url", root.PersistentFlags().Lookup("base-url"))
	_ = v.BindPFlag("store.path", root.PersistentFlags().Lookup("store"))
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		newLoginCmd(v),
		newSyncCmd(v),
		newStatusCmd(v),
	)
	return root
}
