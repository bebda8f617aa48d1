/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"log"
	"os"
	"strconv"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DATABASE_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	if databasePortStr := os.Getenv("DATABASE_PORT"); databasePortStr != "" {
		databasePort, err := strconv.Atoi(databasePortStr)
		if err != nil {
			log.Fatalf("given database port (%s) is not a valid int", databasePortStr)
		}

		return databasePort
	}
	return defaultPostgresPort
}

// GetEnvAsIntOrElse gets the environment variable and parses it into an
// integer, falling back to the given default if the variable is unset
func GetEnvAsIntOrElse(env string, defaultValue int) int {
	intStr := os.Getenv(env)
	if len(intStr) == 0 {
		return defaultValue
	}
	parsed, err := strconv.Atoi(intStr)
	if err != nil {
		log.Fatalf("Given environment variable (%s) was not a valid int: %s", env, intStr)
	}

	return parsed
}

// GetEnvOrElse returns the given environment variable, or the given
// default value if the variable is unset
func GetEnvOrElse(env string, defaultValue string) string {
	if value := os.Getenv(env); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvOrFail returns the given environment variable, exiting the
// program if the variable is unset
func GetEnvOrFail(env string) string {
	value := os.Getenv(env)
	if value == "" {
		log.Fatalf("Required environment variable (%s) is not set", env)
	}
	return value
}
