package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fulldump/box"

	"github.com/fulldump/objectdb/api"
	"github.com/fulldump/objectdb/configuration"
	"github.com/fulldump/objectdb/database"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/logging"
)

var VERSION = "dev"

// LoadSchema reads a JSON array of class definitions.
func LoadSchema(filename string) ([]engine.ClassSchema, error) {
	if filename == "" {
		return nil, nil
	}

	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open schema: %w", err)
	}
	defer f.Close()

	classes := []engine.ClassSchema{}
	if err := json.NewDecoder(f).Decode(&classes); err != nil {
		return nil, fmt.Errorf("decode schema '%s': %w", filename, err)
	}
	return classes, nil
}

func Bootstrap(c *configuration.Configuration) (start, stop func()) {

	classes, err := LoadSchema(c.SchemaFile)
	if err != nil {
		log.Println("ERROR:", err.Error())
		os.Exit(-1)
	}

	db := database.NewDatabase(&database.Config{
		Path:               c.Path,
		Schema:             classes,
		NotificationBuffer: c.NotificationBuffer,
		Logger:             logging.Glog(),
	})

	b := api.Build(db, VERSION)
	b.WithInterceptors(
		api.AccessLog(log.New(os.Stdout, "ACCESS: ", 0)),
		api.InterceptorUnavailable(db),
		api.RecoverFromPanic,
		api.PrettyErrorInterceptor,
	)

	s := &http.Server{
		Addr:    c.HttpAddr,
		Handler: box.Box2Http(b),
	}

	ln, err := net.Listen("tcp", c.HttpAddr)
	if err != nil {
		log.Println("ERROR:", err.Error())
		os.Exit(-1)
	}
	log.Println("listening on", c.HttpAddr)

	stop = func() {
		s.Shutdown(context.Background())
		if err := db.Stop(); err != nil {
			log.Println("ERROR:", err.Error())
		}
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for {
			sig := <-signalChan
			fmt.Println("Signal received", sig.String())
			stop()
		}
	}()

	start = func() {

		wg := &sync.WaitGroup{}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Start()
			if err != nil {
				fmt.Println(err.Error())
				s.Shutdown(context.Background())
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Serve(ln)
			if err != nil && err != http.ErrServerClosed {
				fmt.Println(err.Error())
			}
		}()

		wg.Wait()
	}

	return
}
