package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/RoanBrand/gota"
	"github.com/RoanBrand/gota/internal/config"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
)

type program struct {
	device     *gota.Device
	configFlag string
	execDir    string
}

func (p *program) Start(s service.Service) error {
	var c config.Config
	if p.configFlag != "" {
		if err := c.LoadFromFile(p.configFlag); err != nil {
			return err
		}
		log.Infoln("Using config file:", p.configFlag)
	} else {
		toTry := filepath.Join(p.execDir, "config.json")
		if fileExists(toTry) {
			if err := c.LoadFromFile(toTry); err != nil {
				return err
			}
			log.Infoln("Using config file:", toTry)
		} else {
			if err := c.Load(); err != nil {
				return err
			}
			log.Infoln("No config file specified or found. Using environment.")
		}
	}

	p.device = gota.New(c)
	go func() {
		err := p.device.Run()
		if err == gota.ErrReset {
			// the service manager starts us again on the new image
			log.Warn("Device reset, exiting")
			os.Exit(3)
		}
		if err != nil {
			log.Fatal(err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.device != nil {
		p.device.Shutdown()
	}
	return nil
}

func main() {
	svcFlag := flag.String("service", "", "Control the system service.")
	cnfFlag := flag.String("c", "", "Path of config file.")
	flag.Parse()

	ePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}
	eDir, _ := filepath.Split(ePath)

	// Set defaults before config override.
	if service.Interactive() {
		log.SetLevel(log.DebugLevel)
	} else {
		f, err := os.OpenFile(filepath.Join(eDir, "gota.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		log.SetOutput(f)
	}

	prg := program{configFlag: *cnfFlag, execDir: eDir}
	svcConfig := service.Config{
		Name:        "gota",
		DisplayName: "gota OTA device agent",
		Description: "gota MQTT device with over-the-air updates. See https://github.com/RoanBrand/gota",
		Option:      service.KeyValue{"Restart": "always"},
	}

	s, err := service.New(&prg, &svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if len(*svcFlag) != 0 {
		err := service.Control(s, *svcFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}

	err = s.Run()
	if err != nil {
		log.Fatal(err)
	}
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
