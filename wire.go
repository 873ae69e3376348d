package sfcore

import (
	"bytes"
	"encoding/json"
)

// Warehouse REST endpoints. All paths are relative to the account base URL.
const (
	loginPath        = "/session/v1/login-request"
	queryPath        = "/queries/v1/query-request"
	abortPath        = "/queries/v1/abort-request"
	tokenRequestPath = "/session/token-request"
	heartbeatPath    = "/session/heartbeat"
	sessionPath      = "/session"
	monitoringPath   = "/monitoring/queries/"
)

// Authenticator names accepted by the login endpoint.
const (
	AuthenticatorPassword = "SNOWFLAKE"
	AuthenticatorKeyPair  = "SNOWFLAKE_JWT"
	AuthenticatorPAT      = "PROGRAMMATIC_ACCESS_TOKEN"
	AuthenticatorOAuth    = "OAUTH"
)

// Server error codes the driver reacts to.
const (
	codeSessionExpired   = "390112"
	codeQueryInProgress  = "333333"
	codeQueryInProgress2 = "333334"
)

// --- Envelope ---

// serverResponse is the envelope every REST endpoint wraps its payload in.
// The payload schema varies per endpoint, so Data stays raw until the
// caller knows what to decode it into.
type serverResponse struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Success bool            `json:"success"`
}

// --- Login ---

type loginRequest struct {
	Data loginRequestData `json:"data"`
}

type loginRequestData struct {
	ClientAppID       string            `json:"CLIENT_APP_ID"`
	ClientAppVersion  string            `json:"CLIENT_APP_VERSION"`
	AccountName       string            `json:"ACCOUNT_NAME"`
	LoginName         string            `json:"LOGIN_NAME,omitempty"`
	Password          string            `json:"PASSWORD,omitempty"`
	Token             string            `json:"TOKEN,omitempty"`
	Authenticator     string            `json:"AUTHENTICATOR,omitempty"`
	SessionParameters map[string]any    `json:"SESSION_PARAMETERS,omitempty"`
	ClientEnvironment clientEnvironment `json:"CLIENT_ENVIRONMENT"`
}

type clientEnvironment struct {
	Application string `json:"APPLICATION"`
	OS          string `json:"OS"`
	OSVersion   string `json:"OS_VERSION"`
	OCSPMode    string `json:"OCSP_MODE,omitempty"`
}

type loginData struct {
	Token                   string               `json:"token"`
	ValidityInSeconds       int64                `json:"validityInSeconds"`
	MasterToken             string               `json:"masterToken"`
	MasterValidityInSeconds int64                `json:"masterValidityInSeconds"`
	IDToken                 string               `json:"idToken"`
	DisplayUserName         string               `json:"displayUserName"`
	ServerVersion           string               `json:"serverVersion"`
	FirstLogin              bool                 `json:"firstLogin"`
	HealthCheckInterval     int64                `json:"healthCheckInterval"`
	SessionID               int64                `json:"sessionId"`
	Parameters              []nameValueParameter `json:"parameters"`
	SessionInfo             sessionInfo          `json:"sessionInfo"`
}

type sessionInfo struct {
	DatabaseName  string `json:"databaseName"`
	SchemaName    string `json:"schemaName"`
	WarehouseName string `json:"warehouseName"`
	RoleName      string `json:"roleName"`
}

type nameValueParameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// --- Session maintenance ---

type renewSessionRequest struct {
	OldSessionToken string `json:"oldSessionToken"`
	RequestType     string `json:"requestType"`
}

type renewSessionData struct {
	SessionToken        string `json:"sessionToken"`
	ValidityInSecondsST int64  `json:"validityInSecondsST"`
	MasterToken         string `json:"masterToken"`
	ValidityInSecondsMT int64  `json:"validityInSecondsMT"`
	SessionID           int64  `json:"sessionId"`
}

// --- Statement execution ---

type queryRequest struct {
	SQLText             string                   `json:"sqlText"`
	AsyncExec           bool                     `json:"asyncExec"`
	SequenceID          int64                    `json:"sequenceId"`
	QuerySubmissionTime int64                    `json:"querySubmissionTime"`
	IsInternal          bool                     `json:"isInternal"`
	DescribeOnly        bool                     `json:"describeOnly,omitempty"`
	Parameters          map[string]any           `json:"parameters,omitempty"`
	Bindings            map[string]bindParameter `json:"bindings,omitempty"`
	BindStage           string                   `json:"bindStage,omitempty"`
	QueryContext        *queryContextDTO         `json:"queryContextDTO,omitempty"`
}

type bindParameter struct {
	Type   string          `json:"type"`
	Value  *string         `json:"value"`
	Format string          `json:"fmt,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

type queryContextDTO struct {
	Entries []queryContextEntry `json:"entries,omitempty"`
}

type queryContextEntry struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Priority  int64           `json:"priority"`
	Context   json.RawMessage `json:"context,omitempty"`
}

type abortRequest struct {
	SQLText   string `json:"sqlText"`
	RequestID string `json:"requestId"`
}

// queryData is the payload of a query-request (or get-result) response. The
// same shape serves result sets, async submissions and stage transfer
// commands; which fields are populated depends on the statement kind.
type queryData struct {
	Parameters           []nameValueParameter `json:"parameters,omitempty"`
	RowType              []RowType            `json:"rowtype,omitempty"`
	RowSet               [][]*string          `json:"rowset,omitempty"`
	RowSetBase64         *string              `json:"rowsetBase64,omitempty"`
	Total                int64                `json:"total,omitempty"`
	Returned             int64                `json:"returned,omitempty"`
	QueryID              string               `json:"queryId,omitempty"`
	SQLState             string               `json:"sqlState,omitempty"`
	FinalDatabaseName    string               `json:"finalDatabaseName,omitempty"`
	FinalSchemaName      string               `json:"finalSchemaName,omitempty"`
	FinalWarehouseName   string               `json:"finalWarehouseName,omitempty"`
	FinalRoleName        string               `json:"finalRoleName,omitempty"`
	NumberOfBinds        int                  `json:"numberOfBinds,omitempty"`
	StatementTypeID      int64                `json:"statementTypeId,omitempty"`
	Version              int64                `json:"version,omitempty"`
	Chunks               []chunkMetadata      `json:"chunks,omitempty"`
	QRMK                 string               `json:"qrmk,omitempty"`
	ChunkHeaders         map[string]string    `json:"chunkHeaders,omitempty"`
	GetResultURL         string               `json:"getResultUrl,omitempty"`
	ProgressDesc         string               `json:"progressDesc,omitempty"`
	QueryAbortsAfterSecs int64                `json:"queryAbortsAfterSecs,omitempty"`
	ResultIDs            string               `json:"resultIds,omitempty"`
	ResultTypes          string               `json:"resultTypes,omitempty"`
	QueryResultFormat    string               `json:"queryResultFormat,omitempty"`
	QueryContext         json.RawMessage      `json:"queryContext,omitempty"`

	// Stage transfer command fields, populated for PUT and GET statements.
	Command            string              `json:"command,omitempty"`
	Kind               string              `json:"kind,omitempty"`
	Operation          string              `json:"operation,omitempty"`
	SrcLocations       []string            `json:"src_locations,omitempty"`
	StageInfo          *stageInfo          `json:"stageInfo,omitempty"`
	EncryptionMaterial encryptionMaterials `json:"encryptionMaterial,omitempty"`
	LocalLocation      string              `json:"localLocation,omitempty"`
	Parallel           int64               `json:"parallel,omitempty"`
	Threshold          int64               `json:"threshold,omitempty"`
	AutoCompress       *bool               `json:"autoCompress,omitempty"`
	Overwrite          bool                `json:"overwrite,omitempty"`
	SourceCompression  string              `json:"sourceCompression,omitempty"`
	PresignedURLs      []string            `json:"presignedUrls,omitempty"`
	UploadInfo         *stageInfo          `json:"uploadInfo,omitempty"`
}

// hasTabularData reports whether the response carries a result set. An
// empty rowset still counts: "no rows" is data, only a missing rowset means
// the result is not ready yet. nil-vs-empty matters here, which is why
// RowSet is checked against nil rather than length.
func (d *queryData) hasTabularData() bool {
	return d.RowSet != nil || d.RowSetBase64 != nil || len(d.Chunks) > 0
}

// RowType describes one column of a result set.
type RowType struct {
	// Name is the column name as the server reports it.
	Name string `json:"name"`

	// Type is the server-side type name in lower case, e.g. "fixed",
	// "real", "text", "binary", "timestamp_ltz".
	Type string `json:"type"`

	// ByteLength and Length describe text and binary capacity. Zero when
	// not applicable.
	ByteLength int64 `json:"byteLength,omitempty"`
	Length     int64 `json:"length,omitempty"`

	// Precision and Scale apply to fixed-point numbers.
	Precision int64 `json:"precision,omitempty"`
	Scale     int64 `json:"scale,omitempty"`

	// Nullable reports whether the column admits NULL.
	Nullable bool `json:"nullable"`

	// Fields describes the element types of structured columns.
	Fields []fieldMetadata `json:"fields,omitempty"`
}

type fieldMetadata struct {
	Name      string          `json:"name,omitempty"`
	Type      string          `json:"type,omitempty"`
	Precision int64           `json:"precision,omitempty"`
	Scale     int64           `json:"scale,omitempty"`
	Length    int64           `json:"length,omitempty"`
	Nullable  bool            `json:"nullable,omitempty"`
	Fields    []fieldMetadata `json:"fields,omitempty"`
}

type chunkMetadata struct {
	URL              string `json:"url"`
	RowCount         int64  `json:"rowCount"`
	UncompressedSize int64  `json:"uncompressedSize"`
	CompressedSize   int64  `json:"compressedSize"`
}

// --- Stage transfer ---

type stageInfo struct {
	LocationType          string           `json:"locationType"`
	Location              string           `json:"location"`
	Path                  string           `json:"path,omitempty"`
	Region                string           `json:"region,omitempty"`
	StorageAccount        string           `json:"storageAccount,omitempty"`
	IsClientSideEncrypted bool             `json:"isClientSideEncrypted,omitempty"`
	Creds                 stageCredentials `json:"creds,omitempty"`
	PresignedURL          string           `json:"presignedUrl,omitempty"`
	EndPoint              string           `json:"endPoint,omitempty"`
	UseS3RegionalURL      bool             `json:"useS3RegionalUrl,omitempty"`
	UseRegionalURL        bool             `json:"useRegionalUrl,omitempty"`
	UseVirtualURL         bool             `json:"useVirtualUrl,omitempty"`
}

type stageCredentials struct {
	AWSKeyID       string `json:"AWS_KEY_ID,omitempty"`
	AWSSecretKey   string `json:"AWS_SECRET_KEY,omitempty"`
	AWSToken       string `json:"AWS_TOKEN,omitempty"`
	AWSID          string `json:"AWS_ID,omitempty"`
	AWSKey         string `json:"AWS_KEY,omitempty"`
	AzureSASToken  string `json:"AZURE_SAS_TOKEN,omitempty"`
	GCSAccessToken string `json:"GCS_ACCESS_TOKEN,omitempty"`
}

type encryptionMaterial struct {
	QueryStageMasterKey string `json:"queryStageMasterKey"`
	QueryID             string `json:"queryId"`
	SMKID               int64  `json:"smkId"`
}

// encryptionMaterials decodes the encryptionMaterial field, which the
// server sends as a single object for uploads and as an array for
// downloads.
type encryptionMaterials []encryptionMaterial

func (m *encryptionMaterials) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}
	if trimmed[0] == '[' {
		var many []encryptionMaterial
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return err
		}
		*m = many
		return nil
	}
	var one encryptionMaterial
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*m = encryptionMaterials{one}
	return nil
}

// --- Monitoring ---

type monitoringData struct {
	Queries []queryMonitoringEntry `json:"queries"`
}

type queryMonitoringEntry struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	State        string `json:"state,omitempty"`
	ErrorCode    any    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
