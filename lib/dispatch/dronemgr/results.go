// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dronemgr

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/autotest/autotest-sub010/lib/dispatch/drone"
	"github.com/autotest/autotest-sub010/lib/dispatch/droneutil"
	"github.com/google/uuid"
)

// AbsolutePath returns the absolute path of a results-relative path,
// either on the drones or in the results repository.
func (m *Manager) AbsolutePath(path string, onResultsRepository bool) string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.absolutePath(path, onResultsRepository)
}

func (m *Manager) absolutePath(path string, onResultsRepository bool) string {
	base := m.cfg.Results.DroneDir
	if onResultsRepository || base == "" {
		base = m.cfg.Results.Dir
	}
	return filepath.Join(base, path)
}

// TemporaryPath returns a new results-relative path that is unique
// across drones and scheduler restarts.
func (m *Manager) TemporaryPath(baseName string) string {
	return temporaryPath(baseName)
}

func temporaryPath(baseName string) string {
	return filepath.Join(droneutil.TemporaryDirectory, baseName+"."+uuid.NewString())
}

// CopyToResultsRepository queues a copy of sourcePath from p's drone
// to destinationPath (default sourcePath) in the results
// repository. A failed copy leaves a marker file instead of failing
// the batch.
func (m *Manager) CopyToResultsRepository(p Process, sourcePath, destinationPath string) error {
	if destinationPath == "" {
		destinationPath = sourcePath
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	src, err := m.droneByName(p.Hostname)
	if err != nil {
		return err
	}
	m.sendFile(src, m.resultsDrone, m.absolutePath(sourcePath, false), m.absolutePath(destinationPath, true))
	return nil
}

// sendFile queues a transfer between drones on whichever side can
// perform it. Caller must have lock.
func (m *Manager) sendFile(src, dst *drone.Drone, source, destination string) {
	switch {
	case src.Hostname() == dst.Hostname():
		src.QueueCall(droneutil.NewCall(droneutil.MethodCopy, droneutil.CopyArgs{Source: source, Destination: destination}))
	case dst.Hostname() == "localhost":
		dst.QueueCall(droneutil.NewCall(droneutil.MethodGetFileFrom, droneutil.TransferArgs{
			Hostname:    src.Hostname(),
			Source:      source,
			Destination: destination,
			CanFail:     true,
		}))
	default:
		src.QueueCall(droneutil.NewCall(droneutil.MethodSendFileTo, droneutil.TransferArgs{
			Hostname:    dst.Hostname(),
			Source:      source,
			Destination: destination,
			CanFail:     true,
		}))
	}
}

// CopyResultsOnDrone queues a copy between two results paths on p's
// drone.
func (m *Manager) CopyResultsOnDrone(p Process, sourcePath, destinationPath string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	d, err := m.droneByName(p.Hostname)
	if err != nil {
		return err
	}
	d.QueueCall(droneutil.NewCall(droneutil.MethodCopy, droneutil.CopyArgs{
		Source:      m.absolutePath(sourcePath, false),
		Destination: m.absolutePath(destinationPath, false),
	}))
	return nil
}

// WriteLinesToFile queues writing lines to filePath: on the drone
// running pairedWith if it is not nil, otherwise in the results
// repository.
func (m *Manager) WriteLinesToFile(filePath string, lines []string, pairedWith *Process) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	d := m.resultsDrone
	onResults := true
	if pairedWith != nil {
		var err error
		d, err = m.droneByName(pairedWith.Hostname)
		if err != nil {
			return err
		}
		onResults = false
	}
	d.QueueCall(droneutil.NewCall(droneutil.MethodWriteToFile, droneutil.WriteToFileArgs{
		Path:     m.absolutePath(filePath, onResults),
		Contents: strings.Join(lines, "\n") + "\n",
	}))
	return nil
}

// AttachFileToExecution arranges for contents to be written on the
// drone that next executes a command in resultsDir, and returns the
// results-relative path of the file (default: a temporary path).
func (m *Manager) AttachFileToExecution(resultsDir, contents, filePath string) (string, error) {
	if filePath == "" {
		filePath = temporaryPath("attach")
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	files := m.attached[resultsDir]
	if files == nil {
		files = map[string]string{}
		m.attached[resultsDir] = files
	}
	if _, dup := files[filePath]; dup {
		return "", fmt.Errorf("file %s already attached to execution in %s", filePath, resultsDir)
	}
	files[filePath] = contents
	return filePath, nil
}

// writeAttachedFiles queues the files attached to resultsDir on d
// and returns them. Caller must have lock.
func (m *Manager) writeAttachedFiles(resultsDir string, d *drone.Drone) map[string]string {
	files := m.attached[resultsDir]
	delete(m.attached, resultsDir)
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		d.QueueCall(droneutil.NewCall(droneutil.MethodWriteToFile, droneutil.WriteToFileArgs{
			Path:     m.absolutePath(path, false),
			Contents: files[path],
		}))
	}
	return files
}
