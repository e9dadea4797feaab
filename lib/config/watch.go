// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"path/filepath"

	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the configuration file at path whenever it changes,
// and calls update with each successfully loaded version. It returns
// when ctx is done. A file that fails to load is logged and
// otherwise ignored.
//
// The containing directory is watched, so replacing the file by
// rename (as most editors and config management tools do) is
// noticed.
func Watch(ctx context.Context, path string, update func(*Config)) error {
	logger := ctxlog.FromContext(ctx).WithField("ConfigPath", path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	err = watcher.Add(filepath.Dir(abs))
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			logger.WithError(err).Warn("config watcher error")
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := LoadFile(abs, logger)
			if err != nil {
				logger.WithError(err).Warn("not reloading config")
				continue
			}
			logger.WithFields(logrus.Fields{
				"Op": ev.Op.String(),
			}).Info("config reloaded")
			update(cfg)
		}
	}
}
