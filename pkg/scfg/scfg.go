package scfg

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2021 stratafs.io
 */

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/sisatech/toml"
)

// Tunables are the repair engine's field-adjustable constants. The
// defaults are the values the engine has shipped with; overriding them
// is an escape hatch for unusual deployments, not routine use.
type Tunables struct {

	// AwayFromBitmaps is how many blocks hunt mode skips past a
	// damaged resource group before scanning for the next one, to get
	// clear of the previous group's bitmaps. The value is empirical,
	// inherited from field experience, and is not derived from the
	// filesystem geometry.
	AwayFromBitmaps uint64 `toml:"away-from-bitmaps"`

	// MaxSegments caps how many differently-strided regions the
	// distance prober will track on a grown filesystem.
	MaxSegments int `toml:"max-segments"`

	// TolerancePercent is the share of resource groups that may
	// disagree with the expected index before a trust level gives up
	// and the ladder escalates.
	TolerancePercent int `toml:"tolerance-percent"`

	// ProbeSamples is how many consecutive inter-group distances the
	// prober measures before locking a segment's stride.
	ProbeSamples int `toml:"probe-samples"`
}

// Defaults returns the shipped tunable values.
func Defaults() Tunables {
	return Tunables{
		AwayFromBitmaps:  0x1000,
		MaxSegments:      20,
		TolerancePercent: 11,
		ProbeSamples:     6,
	}
}

// DefaultPath returns the standard location of the tunables file.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".strfsck", "engine.toml"), nil
}

// Load reads tunables from a TOML file, filling unset fields with the
// defaults. A missing file yields the defaults without error; a file
// that exists but cannot be parsed is reported.
func Load(path string) (Tunables, error) {

	tun := Defaults()

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return tun, err
		}
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tun, nil
		}
		return tun, err
	}

	err = toml.Unmarshal(data, &tun)
	if err != nil {
		return tun, err
	}

	if tun.AwayFromBitmaps == 0 {
		tun.AwayFromBitmaps = Defaults().AwayFromBitmaps
	}
	if tun.MaxSegments == 0 {
		tun.MaxSegments = Defaults().MaxSegments
	}
	if tun.TolerancePercent == 0 {
		tun.TolerancePercent = Defaults().TolerancePercent
	}
	if tun.ProbeSamples == 0 {
		tun.ProbeSamples = Defaults().ProbeSamples
	}

	return tun, nil

}
