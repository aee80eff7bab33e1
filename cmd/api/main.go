package main

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"
	config "github.com/unihive/unihive-server/configs"
	"github.com/unihive/unihive-server/database"
	"github.com/unihive/unihive-server/jobs"
	"github.com/unihive/unihive-server/routes"
	"github.com/unihive/unihive-server/services"
	"github.com/unihive/unihive-server/websocket"
)

func main() {
	database.ConnectDB()
	database.Migrate()
	database.SeedDemoUsers()

	hub := websocket.NewHub()
	gateway := websocket.NewGateway(hub, services.NewMessagingService(database.DB))

	c := cron.New()
	c.AddFunc("*/5 * * * *", jobs.SweepPresence(hub))
	go c.Start()
	log.Println("✅ Presence sweep job scheduled successfully.")

	app := fiber.New(fiber.Config{
		AppName:       "UniHive Messaging",
		CaseSensitive: true,
		StrictRouting: true,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Printf("[ERROR] %v | Path: %s | Method: %s", err, c.Path(), c.Method())
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:  config.ConfigOr("ALLOWED_ORIGINS", "*"),
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders: "Content-Length, Authorization",
		MaxAge:        86400,
	}))

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "success",
			"message": "Welcome to UniHive Messaging API",
		})
	})

	routes.MessagingRoutes(app, gateway)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})

	port := config.ConfigOr("PORT", "8080")
	log.Printf("✅ Server is running on port %s", port)
	if err := app.Listen(":" + port); err != nil {
		log.Fatalf("🔥 Server failed to start: %v", err)
	}
}
