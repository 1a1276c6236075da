package txbuilder

// Usage example (not compiled):
//
//  tx, err := txbuilder.Build(txbuilder.Request{
//      ChainID: 6342,
//      From:    account,
//      To:      contract,
//      Data:    data,
//      Nonce:   nonce,
//      Quote:   quote,
//  })
//  // sign tx, then tx.MarshalBinary() is the blob handed to the pool
//
