// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// startProfiling writes mem.prof and cpu.prof snapshots to dir once a
// minute until the process exits. Each snapshot goes to a temp name and
// is renamed into place so readers never see a partial profile.
func startProfiling(dir string) {
	go func() {
		for range time.NewTicker(time.Minute).C {
			writeProfile(dir, "mem.prof", func(f *os.File) error {
				runtime.GC()
				return pprof.WriteHeapProfile(f)
			})
			writeProfile(dir, "cpu.prof", func(f *os.File) error {
				if err := pprof.StartCPUProfile(f); err != nil {
					return err
				}
				time.Sleep(time.Second)
				pprof.StopCPUProfile()
				return nil
			})
		}
	}()
}

func writeProfile(dir, name string, write func(*os.File) error) {
	fnm := dir + "/" + name
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	if err := write(f); err != nil {
		log.Print(err)
		return
	}
	if err := f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err := os.Rename(fnm+"~", fnm); err != nil {
		log.Print(err)
	}
}
