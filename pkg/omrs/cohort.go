package omrs

import "time"

// ConnectionDescriptor tells peers how to reach a member's repository.
type ConnectionDescriptor struct {
	URL      string            `json:"url" yaml:"url"`
	Protocol string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Config   map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// CohortDescription describes a cohort configured on this member.
type CohortDescription struct {
	CohortName        string    `json:"cohortName"`
	Transport         string    `json:"transport"`
	Topic             string    `json:"topic,omitempty"`
	ConnectionStatus  string    `json:"connectionStatus"`
	LocalRegistration time.Time `json:"localRegistrationTime,omitempty"`
	RemoteMemberCount int       `json:"remoteMemberCount"`
}

// Cohort connection states reported in CohortDescription.ConnectionStatus.
const (
	CohortNew          = "NEW"
	CohortConnecting   = "CONNECTING"
	CohortConnected    = "CONNECTED"
	CohortDisconnected = "DISCONNECTED"
)

// MemberRegistration is one participant's registration in a cohort.
type MemberRegistration struct {
	MetadataCollectionID   string               `json:"metadataCollectionId"`
	MetadataCollectionName string               `json:"metadataCollectionName,omitempty"`
	ServerName             string               `json:"serverName,omitempty"`
	ServerType             string               `json:"serverType,omitempty"`
	OrganizationName       string               `json:"organizationName,omitempty"`
	RegistrationTime       time.Time            `json:"registrationTime"`
	RepositoryConnection   ConnectionDescriptor `json:"repositoryConnection"`
}
