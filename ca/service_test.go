package ca

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssaarts/vism/ca/caerrors"
	"github.com/ssaarts/vism/crypto"
)

type fakeStore struct {
	byName map[string]*CertificateEntry
	states map[string]*OpenSSLState
	saved  []*CertificateEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byName: map[string]*CertificateEntry{},
		states: map[string]*OpenSSLState{},
	}
}

func (f *fakeStore) GetByName(name string) (*CertificateEntry, error) {
	return f.byName[name], nil
}

func (f *fakeStore) GetOpenSSLStateByName(name string) (*OpenSSLState, error) {
	return f.states[name], nil
}

func (f *fakeStore) Save(entry *CertificateEntry, states ...*OpenSSLState) error {
	f.byName[entry.Name] = entry
	f.saved = append(f.saved, entry)
	for _, st := range states {
		if st == nil {
			continue
		}
		if st.CertName == "" {
			st.CertName = entry.Name
		}
		f.states[st.CertName] = st
	}
	return nil
}

type fakeModule struct {
	cleaned bool
	signReq *crypto.SignRequest
}

func (m *fakeModule) LoadConfig(ctx context.Context, certName, profileName string) error { return nil }
func (m *fakeModule) CreateEnvironment(ctx context.Context) error                        { return nil }
func (m *fakeModule) GeneratePrivateKey(ctx context.Context, cfg crypto.KeyConfig) ([]byte, []byte, error) {
	return []byte("fake-key"), []byte("fake-pub"), nil
}
func (m *fakeModule) GenerateCSR(ctx context.Context, key []byte, password string) ([]byte, error) {
	return []byte("fake-csr"), nil
}
func (m *fakeModule) GenerateCACertificate(ctx context.Context, key, csr []byte, days int, password string) (*crypto.Material, error) {
	return &crypto.Material{
		CertificatePEM: []byte("fake-self-signed-crt"),
		Serial:         "1",
		State:          crypto.ModuleState{Serial: "02", CRLNumber: "01"},
	}, nil
}
func (m *fakeModule) SignCACertificate(ctx context.Context, req crypto.SignRequest) (*crypto.Material, error) {
	m.signReq = &req
	return &crypto.Material{
		CertificatePEM: []byte("fake-signed-crt"),
		Serial:         "2",
		State:          crypto.ModuleState{Serial: "01", CRLNumber: "01"},
		ParentState:    &crypto.ModuleState{Serial: "03", CRLNumber: "01"},
	}, nil
}
func (m *fakeModule) GenerateCRL(ctx context.Context, key, crt []byte, password string) ([]byte, string, error) {
	return []byte("fake-crl"), "02", nil
}
func (m *fakeModule) Cleanup(full bool) error {
	m.cleaned = true
	return nil
}

func newTestService(store *fakeStore, built **fakeModule) *Service {
	return NewService(store, func(name string) (crypto.Module, error) {
		m := &fakeModule{}
		if built != nil {
			*built = m
		}
		return m, nil
	}, crypto.KeyConfig{Algorithm: "rsa", Bits: 2048}, nil, nil, nil)
}

func TestCreateIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.byName["root-ca"] = &CertificateEntry{Name: "root-ca", CertificatePEM: []byte("existing")}

	svc := NewService(store, func(string) (crypto.Module, error) {
		t.Fatal("should not build a module for an existing cert")
		return nil, nil
	}, crypto.KeyConfig{}, nil, nil, nil)

	entry, err := svc.Create(context.Background(), CertSpec{Name: "root-ca"}, nil)
	require.NoError(t, err)
	require.Equal(t, "existing", string(entry.CertificatePEM))
}

func TestCreateSelfSigned(t *testing.T) {
	store := newFakeStore()
	var built *fakeModule
	svc := newTestService(store, &built)

	entry, err := svc.Create(context.Background(), CertSpec{Name: "root-ca", ProfileName: "root", Days: 3650}, nil)
	require.NoError(t, err)
	require.Equal(t, "fake-self-signed-crt", string(entry.CertificatePEM))
	require.Equal(t, "fake-pub", string(entry.PublicKeyPEM))
	require.Equal(t, "fake-crl", string(entry.CRLPEM))
	require.True(t, built.cleaned, "module must always be cleaned up")

	st := store.states["root-ca"]
	require.NotNil(t, st)
	require.Equal(t, "1", st.CertSerial)
	require.Equal(t, "02", st.Serial)
	require.Equal(t, "02", st.CRLNumber, "crlnumber harvested from the CRL step")
}

func TestCreateChainSignedRequiresParent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	_, err := svc.Create(context.Background(), CertSpec{Name: "leaf", SignedBy: "root-ca"}, nil)
	require.Error(t, err)
	require.True(t, caerrors.Is(err, caerrors.GenCACertificate))
}

func TestCreateChainSignedRefusesExternallyManagedParent(t *testing.T) {
	store := newFakeStore()
	store.byName["imported"] = &CertificateEntry{
		Name:              "imported",
		ExternallyManaged: true,
		CertificatePEM:    []byte("imported-crt"),
	}
	svc := newTestService(store, nil)

	_, err := svc.Create(context.Background(), CertSpec{Name: "leaf", SignedBy: "imported"}, nil)
	require.Error(t, err)
	require.True(t, caerrors.Is(err, caerrors.SignCACertificate))
}

func TestCreateChainSignedUsesParentMaterial(t *testing.T) {
	store := newFakeStore()
	store.byName["root-ca"] = &CertificateEntry{
		Name:           "root-ca",
		PrivateKeyPEM:  []byte("root-key"),
		CertificatePEM: []byte("root-crt"),
	}
	store.states["root-ca"] = &OpenSSLState{CertName: "root-ca", CertSerial: "1", Serial: "02", CRLNumber: "01"}

	var built *fakeModule
	svc := newTestService(store, &built)

	entry, err := svc.Create(context.Background(), CertSpec{
		Name: "leaf", SignedBy: "root-ca", SignedByProfile: "root", Days: 365,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "fake-signed-crt", string(entry.CertificatePEM))

	require.NotNil(t, built.signReq)
	require.Equal(t, "root-ca", built.signReq.ParentName)
	require.Equal(t, "root-key", string(built.signReq.ParentKeyPEM))
	require.Equal(t, "02", built.signReq.ParentState.Serial, "parent counters seed the jail")

	require.Equal(t, "03", store.states["root-ca"].Serial, "parent serial advanced")
	require.Equal(t, "2", store.states["leaf"].CertSerial)
}

func TestCreateEncryptsPrivateKeyAtRest(t *testing.T) {
	store := newFakeStore()
	cipher, err := NewAESCipherFromPassword("test-password")
	require.NoError(t, err)

	svc := NewService(store, func(string) (crypto.Module, error) {
		return &fakeModule{}, nil
	}, crypto.KeyConfig{}, cipher, nil, nil)

	entry, err := svc.Create(context.Background(), CertSpec{Name: "root-ca"}, nil)
	require.NoError(t, err)
	require.NotEqual(t, "fake-key", string(entry.PrivateKeyPEM))

	plain, err := cipher.Decrypt(entry.PrivateKeyPEM)
	require.NoError(t, err)
	require.Equal(t, "fake-key", string(plain))
}

func TestCreateExternallyManagedRequiresMaterial(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, crypto.KeyConfig{}, nil, nil, nil)

	_, err := svc.Create(context.Background(), CertSpec{Name: "imported", ExternallyManaged: true}, nil)
	require.Error(t, err)

	entry, err := svc.Create(context.Background(), CertSpec{Name: "imported", ExternallyManaged: true}, &ExternalMaterial{
		CertificatePEM: []byte("imported-crt"),
		CRLPEM:         []byte("imported-crl"),
	})
	require.NoError(t, err)
	require.True(t, entry.ExternallyManaged)
}
