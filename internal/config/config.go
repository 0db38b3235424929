package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	Host     string   `koanf:"host"`
	Timezone string   `koanf:"timezone"`
	Google   Google   `koanf:"google"`
	Database Database `koanf:"db"`
	Sync     Sync     `koanf:"sync"`
	Feeds    []Feed   `koanf:"feeds"`
}

type Google struct {
	ClientId     string `koanf:"clientid"`
	ClientSecret string `koanf:"clientsecret"`
}

type Database struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	User   string `koanf:"user"`
	Pass   string `koanf:"pass"`
	Name   string `koanf:"name"`
	Schema string `koanf:"schema"`
}

// Sync carries the tunables of the synchronization engine. Zero values fall
// back to the package defaults of the component a field belongs to.
type Sync struct {
	CacheTTL        time.Duration `koanf:"cachettl"`
	CacheMaxEntries int           `koanf:"cachemaxentries"`
	RateLimit       int           `koanf:"ratelimit"`
	RateWindow      time.Duration `koanf:"ratewindow"`
	MaxRetries      int           `koanf:"maxretries"`
	BaseDelay       time.Duration `koanf:"basedelay"`
	MaxDelay        time.Duration `koanf:"maxdelay"`
	RefreshInterval time.Duration `koanf:"refreshinterval"`
	WindowWeeks     int           `koanf:"windowweeks"`
	MaxInstances    int           `koanf:"maxinstances"`
}

// Feed is one subscribed calendar feed.
type Feed struct {
	Id         string `koanf:"id"`
	Name       string `koanf:"name"`
	Type       string `koanf:"type"`
	Url        string `koanf:"url"`
	CalendarId string `koanf:"calendarid"`
	Color      string `koanf:"color"`
}

func Load(path string) (Application, error) {
	var k = koanf.New(".")

	err := k.Load(structs.Provider(Application{
		Host:     "http://localhost:3000",
		Timezone: "UTC",
		Database: Database{
			Host:   "localhost",
			Port:   5432,
			User:   "feedsync",
			Pass:   "",
			Name:   "feedsync",
			Schema: "feedsync",
		},
		Sync: Sync{
			CacheTTL:        15 * time.Minute,
			CacheMaxEntries: 100,
			RateLimit:       60,
			RateWindow:      time.Hour,
			MaxRetries:      3,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			RefreshInterval: 15 * time.Minute,
			WindowWeeks:     4,
			MaxInstances:    100,
		},
	}, "koanf"), nil)
	if err != nil {
		log.Errorf("error loading config from structs: %v", err)
		return Application{}, err
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if os.IsNotExist(err) {
			log.Infof("Config file not found at %s, using defaults and environment variables", path)
		} else {
			log.Errorf("error loading config from YAML: %v", err)
			return Application{}, err
		}
	} else {
		log.Infof("Loaded configuration from file: %s", path)
	}

	err = k.Load(env.Provider(".", env.Opt{
		Prefix: "FEEDSYNC_",
		TransformFunc: func(k, v string) (string, any) {
			// Transform the key.
			k = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, "FEEDSYNC_")), "_", ".")
			return k, v
		},
	}), nil)
	if err != nil {
		log.Errorf("error loading config from envs: %v", err)
		return Application{}, err
	}

	var app Application
	if err := k.Unmarshal("", &app); err != nil {
		return Application{}, err
	}

	return app, nil
}
