package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulldump/goconfig"

	"github.com/fulldump/objectdb/bootstrap"
	"github.com/fulldump/objectdb/configuration"
)

var VERSION = "dev"

var banner = `
       _     _           _      _ _     
  ___ | |__ (_) ___  ___| |_ __| | |__  
 / _ \| '_ \| |/ _ \/ __| __/ _' | '_ \ 
| (_) | |_) | |  __/ (__| || (_| | |_) |
 \___/|_.__// |\___|\___|\__\__,_|_.__/ 
          |__/      version ` + VERSION + `
`

func main() {

	c := configuration.Default()
	goconfig.Read(&c)

	if c.Version {
		fmt.Println("Version:", VERSION)
		return
	}

	if c.ShowBanner {
		fmt.Println(banner)
	}

	if c.ShowConfig {
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "    ")
		e.Encode(c)
	}

	bootstrap.VERSION = VERSION
	start, _ := bootstrap.Bootstrap(&c)
	start()
}
