package globals

import "github.com/hashicorp/go-hclog"

const AppName = "roomrelay"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  AppName,
	Level: hclog.LevelFromString("INFO"),
})
