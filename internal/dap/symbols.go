/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

const originalSymbolSuffix = ".orig"

// windowsPdbMagic starts every Windows (MSF) PDB. Portable PDBs start with "BSJB" and need no conversion.
var windowsPdbMagic = []byte("Microsoft C/C++ MSF 7.00")

// SymbolConverter prepares debug symbol files before a backend starts.
type SymbolConverter interface {
	// Convert converts what it can and returns a function that puts the original files back.
	// The restore function is never nil, even when an error is returned.
	Convert(ctx context.Context) (restore func(), err error)
}

// ExecSymbolConverter converts Windows PDB files in a directory to portable PDBs by running
// an external tool as "<tool> <original> <converted>". Originals are kept next to the converted
// files with an ".orig" suffix until restore is called.
type ExecSymbolConverter struct {
	Tool     string
	Dir      string
	Executor process.Executor
	Logger   logr.Logger
}

var _ SymbolConverter = (*ExecSymbolConverter)(nil)

func (c *ExecSymbolConverter) Convert(ctx context.Context) (func(), error) {
	log := c.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("symbols")

	if c.Tool == "" || c.Dir == "" {
		return func() {}, nil
	}

	toolPath, lookErr := exec.LookPath(c.Tool)
	if lookErr != nil {
		return func() {}, fmt.Errorf("%w: symbol converter '%s': %w", ErrCommandNotFound, c.Tool, lookErr)
	}

	candidates, globErr := filepath.Glob(filepath.Join(c.Dir, "*.pdb"))
	if globErr != nil {
		return func() {}, fmt.Errorf("failed to list symbol files in '%s': %w", c.Dir, globErr)
	}

	executor := c.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}

	var converted []string
	var errs []error
	for _, pdb := range candidates {
		isWindowsPdb, readErr := hasWindowsPdbMagic(pdb)
		if readErr != nil {
			errs = append(errs, readErr)
			continue
		}
		if !isWindowsPdb {
			continue
		}

		if convertErr := convertSymbolFile(ctx, executor, toolPath, pdb); convertErr != nil {
			errs = append(errs, convertErr)
			continue
		}
		converted = append(converted, pdb)
		log.V(1).Info("Converted symbol file", "path", pdb)
	}

	restore := func() {
		for _, pdb := range converted {
			if restoreErr := os.Rename(pdb+originalSymbolSuffix, pdb); restoreErr != nil {
				log.Error(restoreErr, "Failed to restore original symbol file", "path", pdb)
			}
		}
	}

	if len(converted) > 0 {
		log.Info("Converted symbol files", "count", len(converted), "dir", c.Dir)
	}
	return restore, errors.Join(errs...)
}

func convertSymbolFile(ctx context.Context, executor process.Executor, toolPath, pdb string) error {
	original := pdb + originalSymbolSuffix
	if renameErr := os.Rename(pdb, original); renameErr != nil {
		return fmt.Errorf("failed to preserve '%s': %w", pdb, renameErr)
	}

	var output bytes.Buffer
	cmd := exec.Command(toolPath, original, pdb)
	cmd.Stdout = &output
	cmd.Stderr = &output

	exitCode, runErr := process.RunToCompletion(ctx, executor, cmd)
	if runErr == nil && exitCode != 0 {
		runErr = fmt.Errorf("exit code %d: %s", exitCode, bytes.TrimSpace(output.Bytes()))
	}
	if runErr != nil {
		_ = os.Remove(pdb)
		if restoreErr := os.Rename(original, pdb); restoreErr != nil {
			return errors.Join(fmt.Errorf("failed to convert '%s': %w", pdb, runErr), restoreErr)
		}
		return fmt.Errorf("failed to convert '%s': %w", pdb, runErr)
	}
	return nil
}

func hasWindowsPdbMagic(path string) (bool, error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return false, fmt.Errorf("failed to open symbol file: %w", openErr)
	}
	defer f.Close()

	header := make([]byte, len(windowsPdbMagic))
	if _, readErr := io.ReadFull(f, header); readErr != nil {
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read symbol file '%s': %w", path, readErr)
	}
	return bytes.Equal(header, windowsPdbMagic), nil
}
