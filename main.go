package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "SCAA-backend/docs"
	"SCAA-backend/internal/attendance"
	"SCAA-backend/internal/broadcast"
	"SCAA-backend/internal/classes"
	"SCAA-backend/internal/platform/auth"
	"SCAA-backend/internal/platform/db"
	"SCAA-backend/internal/roster"
)

// 教員用ダッシュボード（ライブ表示）を埋め込む
//
//go:embed public
var embedded embed.FS

func main() {
	configPath := flag.String("config", db.DefaultConfigPath(), "path to config.yaml")
	flag.Parse()

	// 設定読み込み
	cfg, err := db.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	// 動作モード取得
	mode := cfg.Mode
	log.Printf("[INFO] mode:%s\n", mode)

	if cfg.Mode != "dev" && cfg.Mode != "release" {
		fmt.Println("Usage: mode must be dev or release (config.yaml / APP_MODE)")
		return
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("[ERROR] auth.jwt_secret (JWT_SECRET) is required")
	}

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	log.Printf("[INFO] connected to DB: %s", cfg.DB.DBName)

	people, err := roster.Open(cfg.Roster.Path)
	if err != nil {
		panic(err)
	}
	defer people.Close()

	log.Printf("[INFO] roster: %s", cfg.Roster.Path)

	secret := []byte(cfg.Auth.JWTSecret)
	accounts := auth.NewStore(conn)
	authSvc := auth.NewServiceWithStore(accounts, secret, cfg.Auth.TokenTTL)

	hub := broadcast.NewHub()
	manager := attendance.NewManager(attendance.Deps{
		Store:     attendance.NewSQLStore(conn),
		Roster:    people,
		Authz:     auth.NewClassAuthorizer(accounts),
		Publisher: hub,
	}, attendance.Settings{
		TokenTTL:    cfg.Session.TokenTTL,
		MaxDuration: cfg.Session.MaxDuration,
	})

	// 再起動前に ACTIVE だったセッションを引き継ぐ
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Recover(recoverCtx); err != nil {
		log.Printf("[ERROR] recover sessions: %v", err)
	}
	cancelRecover()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if mode == "dev" {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Location", "Content-Disposition"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowCredentials: true,
		}))
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	// /api/v1
	api := r.Group("/api/v1")
	protected := api.Group("", auth.RequireAuth(secret))
	faculty := protected.Group("", auth.RequireRole(auth.RoleFaculty))
	student := protected.Group("", auth.RequireRole(auth.RoleStudent))
	admin := protected.Group("", auth.RequireRole(auth.RoleAdmin))

	auth.RegisterRoutes(api, admin, authSvc)
	classes.RegisterRoutes(admin, classes.NewService(conn, people))

	origins := cfg.Server.AllowedOrigins
	if mode == "dev" {
		origins = append(origins, "http://localhost:3000")
	}
	attendance.RegisterRoutes(faculty, student, manager, hub, broadcast.NewUpgrader(origins))

	sub, err := fs.Sub(embedded, "public")
	if err != nil {
		log.Fatal(err)
	}
	fileFS := http.FS(sub)

	r.NoRoute(func(c *gin.Context) {
		// API は対象外
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Status(http.StatusNotFound)
			return
		}

		reqPath := strings.TrimPrefix(c.Request.URL.Path, "/")
		if reqPath == "" {
			reqPath = "index.html"
		}

		// 実ファイルがあるならそれを返す
		if f, err := fileFS.Open(reqPath); err == nil {
			defer f.Close()
			if ct := mime.TypeByExtension(path.Ext(reqPath)); ct != "" {
				c.Header("Content-Type", ct)
			}
			if fileInfo, err := f.Stat(); err == nil && !fileInfo.IsDir() {
				http.ServeContent(c.Writer, c.Request, reqPath, fileInfo.ModTime(), f)
				return
			}
		}

		// なければ index.html にフォールバック
		if idx, err := fileFS.Open("index.html"); err == nil {
			defer idx.Close()
			c.Header("Content-Type", "text/html; charset=utf-8")
			if fileInfo, err := idx.Stat(); err == nil {
				http.ServeContent(c.Writer, c.Request, "index.html", fileInfo.ModTime(), idx)
			} else {
				c.Status(http.StatusInternalServerError)
			}
			return
		}

		c.Status(http.StatusNotFound)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var certFile, keyFile string

	// TLS設定（証明書未指定なら平文）
	if cfg.Certificate.Cert != "" && cfg.Certificate.Key != "" {
		if mode == "dev" {
			//開発用
			certFile = fmt.Sprintf("config/tls/dev/%s", cfg.Certificate.Cert)
			keyFile = fmt.Sprintf("config/tls/dev/%s", cfg.Certificate.Key)
		} else {
			//本番用
			certFile = fmt.Sprintf("config/tls/release/%s", cfg.Certificate.Cert)
			keyFile = fmt.Sprintf("config/tls/release/%s", cfg.Certificate.Key)
		}
	}

	go func() {
		var err error
		if certFile != "" {
			log.Printf("[INFO] listening on https://%s", srv.Addr)
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			log.Printf("[WARN] no certificate configured, listening on http://%s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("[INFO] shutting down...")

	// 新規 tick を止めてから接続を閉じる（セッションは ACTIVE のまま残る）
	manager.Shutdown()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}
