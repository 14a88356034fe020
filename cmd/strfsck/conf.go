package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2021 stratafs.io
 */

import (
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const configFileName = ".strfsck"

// reads in config file, uses defaults if not found
func initConfig() {

	home, err := homedir.Dir()
	if err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(configFileName)
	}

	viper.SetEnvPrefix("strfsck")
	viper.AutomaticEnv()

	viper.SetDefault("verbose", false)
	viper.SetDefault("debug", false)

	_ = viper.ReadInConfig()

}

func confVerbose() bool {
	return viper.GetBool("verbose")
}

func confDebug() bool {
	return viper.GetBool("debug")
}
