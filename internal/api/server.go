package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"

	"github.com/serverledge-faas/offloadge/internal/clone"
	"github.com/serverledge-faas/offloadge/internal/config"
	"github.com/serverledge-faas/offloadge/internal/metrics"
	"github.com/serverledge-faas/offloadge/internal/node"
	"github.com/serverledge-faas/offloadge/internal/registration"
)

// Services are the clone components exposed by the HTTP API.
type Services struct {
	Node  node.NodeID
	Clone *clone.Server
	// nil when the clone does not use the registry
	Registry *registration.Registry
}

// StatusInformation is returned by GET /status.
type StatusInformation struct {
	node.Status
	Inflight  int  `json:"inflight"`
	Migrating bool `json:"migrating"`
	Apps      int  `json:"apps"`
}

func SetupRoutes(e *echo.Echo, s Services) {
	e.Use(middleware.Recover())

	e.GET("/status", s.GetServerStatus)
	e.GET("/apps", s.GetApps)
	e.GET("/peers", s.GetPeers)
	e.POST("/migrate", s.Migrate)
	e.POST("/resume", s.Resume)

	if metrics.Enabled {
		e.GET("/metrics", func(c echo.Context) error {
			metrics.ScrapingHandler.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

func StartAPIServer(e *echo.Echo, s Services) {
	SetupRoutes(e, s)

	portNumber := config.GetInt(config.API_PORT, 1323)
	e.HideBanner = true
	e.Logger.SetLevel(gommonlog.WARN)

	if err := e.Start(fmt.Sprintf(":%d", portNumber)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.Logger.Fatal("shutting down the server")
	}
}

func (s Services) GetServerStatus(c echo.Context) error {
	status := StatusInformation{
		Status:    node.CurrentStatus(s.Node),
		Inflight:  s.Clone.Inflight(),
		Migrating: s.Clone.Migrating(),
		Apps:      len(s.Clone.Apps()),
	}
	return c.JSON(http.StatusOK, status)
}

func (s Services) GetApps(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Clone.Apps())
}

func (s Services) GetPeers(c echo.Context) error {
	if s.Registry == nil {
		return c.JSON(http.StatusOK, map[string]registration.PeerInfo{})
	}
	return c.JSON(http.StatusOK, s.Registry.Peers())
}

// Migrate blocks until the running offloads have completed.
func (s Services) Migrate(c echo.Context) error {
	s.Clone.Migrate()
	return c.JSON(http.StatusOK, map[string]bool{"migrating": true})
}

func (s Services) Resume(c echo.Context) error {
	s.Clone.Resume()
	return c.JSON(http.StatusOK, map[string]bool{"migrating": false})
}

// RegisterTerminationHandler deregisters the clone and stops the servers on
// SIGINT or SIGTERM.
func RegisterTerminationHandler(s Services, e *echo.Echo, onExit func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-c
		fmt.Printf("Got %s signal. Terminating...\n", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// deregister first: clients should stop picking this clone
		if s.Registry != nil {
			if err := s.Registry.Deregister(ctx); err != nil {
				log.Printf("Deregistration failed: %v\n", err)
			}
		}
		s.Clone.Close()

		if err := e.Shutdown(ctx); err != nil {
			e.Logger.Fatal(err)
		}
		if onExit != nil {
			onExit()
		}
		os.Exit(0)
	}()
}
