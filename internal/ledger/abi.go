package ledger

// registryABI is the interface of the certificate registry contract.
// verifyCertificate returns the stored Certificate struct next to the flag;
// the struct holds a string, so it is encoded behind an offset.
// CertificateIssued carries everything a LedgerRecord needs, so history can be
// replayed from logs without one call per certificate.
const registryABI = `[
  {
    "type": "function",
    "name": "issueCertificate",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "certHash", "type": "string"},
      {"name": "issuedTo", "type": "address"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "verifyCertificate",
    "stateMutability": "view",
    "inputs": [
      {"name": "certHash", "type": "string"}
    ],
    "outputs": [
      {"name": "valid", "type": "bool"},
      {
        "name": "info",
        "type": "tuple",
        "internalType": "struct CertificateRegistry.Certificate",
        "components": [
          {"name": "certHash", "type": "string"},
          {"name": "issuedTo", "type": "address"},
          {"name": "issuedBy", "type": "address"},
          {"name": "timestamp", "type": "uint256"}
        ]
      }
    ]
  },
  {
    "type": "event",
    "name": "CertificateIssued",
    "anonymous": false,
    "inputs": [
      {"name": "certHash", "type": "string", "indexed": false},
      {"name": "issuedTo", "type": "address", "indexed": true},
      {"name": "issuedBy", "type": "address", "indexed": true},
      {"name": "timestamp", "type": "uint256", "indexed": false}
    ]
  }
]`

const (
	methodIssue  = "issueCertificate"
	methodVerify = "verifyCertificate"
	eventIssued  = "CertificateIssued"
)
