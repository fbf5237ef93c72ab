package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cogkernel/internal/kernel"
)

// cmdContext builds a timeout-bound context for a single dispatch call.
func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// resolveProjectID maps the --project flag to the internal project id,
// assigning one the first time this project name is seen.
func resolveProjectID(ctx context.Context) (int64, error) {
	return activeKernel.ResolveProject(ctx, project)
}

// dispatchAndPrint runs req through the kernel and prints its Result as
// indented JSON, matching spec.md §6's query endpoint response shape.
func dispatchAndPrint(ctx context.Context, req kernel.Request) error {
	result, err := activeKernel.Dispatch(ctx, req)
	if err != nil {
		return exitErr(exitInternal, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return exitErr(exitInternal, fmt.Errorf("encode result: %w", err))
	}
	if result.Status == kernel.StatusError {
		return exitErr(exitInternal, fmt.Errorf("operation returned status=error"))
	}
	return nil
}
