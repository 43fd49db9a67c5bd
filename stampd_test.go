/*
Copyright 2024 Stampd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stampd

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/database/mocks"
	"github.com/stampdhq/stampd/model"
)

type MockStampingProvider struct {
	mock.Mock
}

func (m *MockStampingProvider) Stamp(ctx context.Context, invoice *model.Invoice, document []byte) (*model.StampResult, error) {
	args := m.Called(ctx, invoice, document)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StampResult), args.Error(1)
}

type MockPaymentProvider struct {
	mock.Mock
}

func (m *MockPaymentProvider) Status(ctx context.Context, rrr string) (*model.GatewayStatus, error) {
	args := m.Called(ctx, rrr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GatewayStatus), args.Error(1)
}

type MockDocumentGenerator struct {
	mock.Mock
}

func (m *MockDocumentGenerator) Generate(ctx context.Context, invoice *model.Invoice) ([]byte, error) {
	args := m.Called(ctx, invoice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type testMocks struct {
	datasource *mocks.MockDataSource
	stamping   *MockStampingProvider
	payments   *MockPaymentProvider
	docs       *MockDocumentGenerator
}

// newTestStampd wires a service instance against miniredis and mocked
// datasource and providers.
func newTestStampd(t *testing.T) (*Stampd, *testMocks) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})

	tm := &testMocks{
		datasource: new(mocks.MockDataSource),
		stamping:   new(MockStampingProvider),
		payments:   new(MockPaymentProvider),
		docs:       new(MockDocumentGenerator),
	}

	s, err := NewStampd(tm.datasource, tm.stamping, tm.payments, tm.docs)
	if err != nil {
		t.Fatalf("error creating stampd: %s", err)
	}
	return s, tm
}
