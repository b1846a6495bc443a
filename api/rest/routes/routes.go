package routes

import (
	"inversion-orchestrator/api/rest/handlers"
	"inversion-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, db *repository.DB) {
	iterationRepo := repository.NewIterationRepository(db)
	jobRepo := repository.NewJobRepository(db)
	misfitRepo := repository.NewMisfitRepository(db)
	iterationHandler := handlers.NewIterationHandler(iterationRepo, jobRepo, misfitRepo)

	r.HandleFunc("/health", handlers.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Iteration endpoints
	api.HandleFunc("/iterations", iterationHandler.ListIterations).Methods("GET")
	api.HandleFunc("/iterations/{name}", iterationHandler.GetIteration).Methods("GET")
	api.HandleFunc("/iterations/{name}/jobs", iterationHandler.GetIterationJobs).Methods("GET")
	api.HandleFunc("/iterations/{name}/misfits", iterationHandler.GetIterationMisfits).Methods("GET")
}
