package main

//go:generate swag init -d ../../ -g cmd/demoserve/docs.go --parseInternal -o ../../docs

// General API documentation for swaggo. The generated spec lives in the
// docs package and is served when built with -tags swagger.
//
// @title           demoserve API
// @version         1.0
// @description     Prediction, flagging and robustness endpoints of a local model demo.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
