package main

// General API documentation for swaggo. Run `swag init -g cmd/inferd/docs.go` to regenerate docs/.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API for single-model local inference.
//
// @contact.name   inferd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
