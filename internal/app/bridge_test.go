package app

import (
	"context"
	"errors"
	"testing"

	"github.com/helm-home/bridge/internal/models"
)

type fakeInventory struct {
	entitiesErr error
	statesErr   error

	entityCalls int
	stateCalls  int
}

func (f *fakeInventory) GetEntities(ctx context.Context) ([]models.RegistryEntry, error) {
	f.entityCalls++
	if f.entitiesErr != nil {
		return nil, f.entitiesErr
	}
	return make([]models.RegistryEntry, 3), nil
}

func (f *fakeInventory) GetStates(ctx context.Context) ([]models.EntityState, error) {
	f.stateCalls++
	if f.statesErr != nil {
		return nil, f.statesErr
	}
	return make([]models.EntityState, 5), nil
}

func TestLoadInventoryFetchesRegistryAndStates(t *testing.T) {
	f := &fakeInventory{}

	if got := loadInventory(context.Background(), f); got != 5 {
		t.Errorf("loadInventory() = %d, want 5", got)
	}
	if f.entityCalls != 1 {
		t.Errorf("entity registry fetched %d times, want 1", f.entityCalls)
	}
	if f.stateCalls != 1 {
		t.Errorf("states fetched %d times, want 1", f.stateCalls)
	}
}

func TestLoadInventorySurvivesRegistryFailure(t *testing.T) {
	f := &fakeInventory{entitiesErr: errors.New("registry unavailable")}

	// A registry failure must not stop the state fetch.
	if got := loadInventory(context.Background(), f); got != 5 {
		t.Errorf("loadInventory() = %d, want 5", got)
	}
	if f.stateCalls != 1 {
		t.Errorf("states fetched %d times, want 1", f.stateCalls)
	}
}

func TestLoadInventoryReportsStateFailure(t *testing.T) {
	f := &fakeInventory{statesErr: errors.New("hub gone")}

	if got := loadInventory(context.Background(), f); got != -1 {
		t.Errorf("loadInventory() = %d, want -1", got)
	}
}
