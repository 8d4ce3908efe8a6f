package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrFindNCMFailed = errors.New("find *.ncm failed")
	ErrNotNCMFile    = errors.New("not ncm file")
	ErrNoNCMFile     = errors.New("no ncm file")
	ErrInvalidOutput = errors.New("invalid output")
)

const ncmExt = ".ncm"

func isNCM(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ncmExt)
}

func getNCMFromDir(input string) ([]string, error) {
	if input == "" {
		return nil, nil
	}
	var inputFiles []string
	err := filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isNCM(d.Name()) {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		inputFiles = append(inputFiles, abs)
		return nil
	})
	return inputFiles, err
}

func getNCMFromFile(files []string) ([]string, error) {
	var inputFiles []string
	for _, v := range files {
		info, err := os.Stat(v)
		if err != nil {
			return nil, err
		}
		if info.IsDir() || !isNCM(info.Name()) {
			return nil, fmt.Errorf("%w: %s", ErrNotNCMFile, v)
		}
		fileAbs, err := filepath.Abs(v)
		if err != nil {
			return nil, err
		}
		inputFiles = append(inputFiles, fileAbs)
	}
	return inputFiles, nil
}

// getNCM collects the ncm files under input and in files, deduplicated and
// sorted.
func getNCM(input string, files []string) ([]string, error) {
	inputFiles := make(map[string]struct{})
	list, err := getNCMFromDir(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFindNCMFailed, err)
	}
	for _, v := range list {
		inputFiles[v] = struct{}{}
	}

	list, err = getNCMFromFile(files)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFindNCMFailed, err)
	}
	for _, v := range list {
		inputFiles[v] = struct{}{}
	}
	if len(inputFiles) == 0 {
		return nil, ErrNoNCMFile
	}

	result := make([]string, 0, len(inputFiles))
	for v := range inputFiles {
		result = append(result, v)
	}
	sort.Strings(result)
	return result, nil
}

func checkOutput(output string) error {
	info, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrInvalidOutput, info.Name())
	}
	return nil
}
