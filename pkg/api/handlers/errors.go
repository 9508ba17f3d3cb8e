package handlers

import "github.com/gofiber/fiber/v3"

// ErrInvalidLimit is returned when the limit query parameter is not a positive integer
var ErrInvalidLimit = fiber.NewError(fiber.StatusBadRequest, "limit must be a positive integer")

// ErrInvalidStatus is returned when the status query parameter is not a known queue status
var ErrInvalidStatus = fiber.NewError(fiber.StatusBadRequest, "status must be one of pending, processing, completed, failed")
